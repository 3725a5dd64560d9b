package dashboard

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunPaths(t *testing.T) {
	assert.Equal(t, "../../build/test/output", OutputDir("../../build"))
	assert.Equal(t, "../../build/test/output/test24hrEF_AquaThermAire.csv",
		SimulatedPath("../../build", "UEF50", "JSON", "AquaThermAire", true))
	assert.Equal(t, "../../build/test/output/testLargeDraw_JSON_AquaThermAire.csv",
		SimulatedPath("../../build", "testLargeDraw", "JSON", "AquaThermAire", false))
	assert.Equal(t, "../../build/test/output/testLargeDraw_Preset_AquaThermAire.csv",
		SimulatedPath("../../build", "testLargeDraw", "Preset", "AquaThermAire", false))
	assert.Equal(t, "../../../test/villara/T1/m.csv", MeasuredPath("../../../test/villara/T1", "m.csv"))
	assert.Equal(t, "/b/gui/X.json", CachedModelPath("/b", "X"))
	assert.Equal(t, "../../../test/models_json/X.json", ReferenceModelPath(DefaultTestRoot, "X"))
}

func TestRunPathsAreNotCleaned(t *testing.T) {
	assert.Equal(t, "build//test/output", OutputDir("build/"))
}

func TestViewSimulatedPath(t *testing.T) {
	v := View{BuildDir: "../../build", ModelID: "AquaThermAire", TestID: "testLargeDraw"}
	assert.Equal(t, "../../build/test/output/testLargeDraw_JSON_AquaThermAire.csv", v.SimulatedPath())
	v.IsStandardTest = true
	assert.Equal(t, "../../build/test/output/test24hrEF_AquaThermAire.csv", v.SimulatedPath())
}
