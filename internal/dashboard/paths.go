package dashboard

// The engine and the plot processes locate run output by these names, so
// they are built by plain concatenation and never cleaned.

// DefaultTestRoot is where the engine's test tree sits relative to the
// dashboard's working directory.
const DefaultTestRoot = "../../../test"

// dashboardSpec is the model spec the dashboard always runs with.
const dashboardSpec = "JSON"

func OutputDir(buildDir string) string {
	return buildDir + "/test/output"
}

// SimulatedPath is the CSV the engine writes for a run. Standard tests
// produce the fixed 24-hour rating file.
func SimulatedPath(buildDir, testID, modelSpec, modelID string, standard bool) string {
	if standard {
		return OutputDir(buildDir) + "/test24hrEF_" + modelID + ".csv"
	}
	return OutputDir(buildDir) + "/" + testID + "_" + modelSpec + "_" + modelID + ".csv"
}

func MeasuredPath(testDir, filename string) string {
	return testDir + "/" + filename
}

// CachedModelPath is the working copy of a model the dashboard edits.
func CachedModelPath(buildDir, modelID string) string {
	return buildDir + "/gui/" + modelID + ".json"
}

// ReferenceModelPath is the checked-in model definition.
func ReferenceModelPath(testRoot, modelID string) string {
	return testRoot + "/models_json/" + modelID + ".json"
}
