package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"hpwhdash/internal/catalog"
	"hpwhdash/internal/fittable"
	"hpwhdash/internal/prefs"
	"hpwhdash/internal/types"
)

// Files the dashboard keeps next to the server.
const (
	PrefsFile      = "./prefs.json"
	ModelIndexFile = "./model_index.json"
	TestIndexFile  = "./test_index.json"
	ModelCacheFile = "./model_cache.json"
	FitListFile    = "./fit_list.json"
)

// Sender delivers messages to the relay.
type Sender interface {
	Send(ctx context.Context, msg types.Message) error
}

// FormState holds the values of the model, build and test forms.
type FormState struct {
	ModelID     string
	BuildDir    string
	TestList    catalog.TestFilter
	TestID      string
	DrawProfile string
}

// Option is one entry of a picker.
type Option struct {
	Value string
	Label string
}

// View is what SetElements decided the forms should show.
type View struct {
	Models        []Option
	ModelID       string
	ModelDisabled bool

	BuildDir string

	TestList              catalog.TestFilter
	TestsWithDataDisabled bool
	Tests                 []Option
	TestID                string
	TestDisabled          bool
	IsStandardTest        bool

	DrawProfile         string
	DrawProfileDisabled bool

	ShowTestPlot bool
	TestPlotURL  string
	PerfPlotURL  string
}

// Form returns the form values the view displays.
func (v View) Form() FormState {
	return FormState{
		ModelID:     v.ModelID,
		BuildDir:    v.BuildDir,
		TestList:    v.TestList,
		TestID:      v.TestID,
		DrawProfile: v.DrawProfile,
	}
}

// SimulatedPath is the engine output file the test plotter shows for the
// selected model and test.
func (v View) SimulatedPath() string {
	return SimulatedPath(v.BuildDir, v.TestID, dashboardSpec, v.ModelID, v.IsStandardTest)
}

// Options configures a Session.
type Options struct {
	Client   *Client
	Live     Sender
	TestRoot string
	Logger   zerolog.Logger
	// OnFitRefresh is called when a plot process reports new fit results.
	OnFitRefresh func(ctx context.Context, tables FitTables)
	// OnView is called with the view produced by a SetElements that an
	// inbound message triggered.
	OnView func(ctx context.Context, view View)
}

// Session is one dashboard page: the plot processes it started and the
// last form values it showed.
type Session struct {
	client       *Client
	live         Sender
	testRoot     string
	logger       zerolog.Logger
	onFitRefresh func(context.Context, FitTables)
	onView       func(context.Context, View)

	mu         sync.Mutex
	form       FormState
	haveForm   bool
	testActive bool
	perfActive bool
	testPort   int
	perfPort   int
}

func NewSession(opts Options) *Session {
	if opts.TestRoot == "" {
		opts.TestRoot = DefaultTestRoot
	}
	return &Session{
		client:       opts.Client,
		live:         opts.Live,
		testRoot:     opts.TestRoot,
		logger:       opts.Logger,
		onFitRefresh: opts.OnFitRefresh,
		onView:       opts.OnView,
	}
}

func (s *Session) send(ctx context.Context, msg types.Message) error {
	if s.live == nil {
		return ErrNoLive
	}
	return s.live.Send(ctx, msg)
}

func (s *Session) readPrefs(ctx context.Context) (*prefs.Prefs, error) {
	raw, err := s.client.ReadJSON(ctx, PrefsFile)
	if err != nil && !IsNotFound(err) {
		return nil, fmt.Errorf("read prefs: %w", err)
	}
	return prefs.Parse(raw)
}

func (s *Session) writePrefs(ctx context.Context, p *prefs.Prefs) error {
	if err := s.client.WriteJSON(ctx, PrefsFile, p.Bytes()); err != nil {
		return fmt.Errorf("write prefs: %w", err)
	}
	return nil
}

// GetElements copies the form values into prefs.json.
func (s *Session) GetElements(ctx context.Context, form FormState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getElements(ctx, form)
}

func (s *Session) getElements(ctx context.Context, form FormState) error {
	p, err := s.readPrefs(ctx)
	if err != nil {
		return err
	}
	p.SetModelID(form.ModelID)
	p.SetBuildDir(form.BuildDir)
	p.SetTestList(form.TestList)
	p.SetTestID(form.TestID)
	p.SetDrawProfile(form.DrawProfile)
	return s.writePrefs(ctx, p)
}

// SetElements rebuilds the view from prefs.json and the catalogs, asks the
// active plot processes to redraw and stores the resolved selection.
func (s *Session) SetElements(ctx context.Context) (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setElements(ctx)
}

// ChangeMenuValue is GetElements followed by SetElements.
func (s *Session) ChangeMenuValue(ctx context.Context, form FormState) (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.getElements(ctx, form); err != nil {
		return View{}, err
	}
	return s.setElements(ctx)
}

func (s *Session) setElements(ctx context.Context) (View, error) {
	p, err := s.readPrefs(ctx)
	if err != nil {
		return View{}, err
	}

	rawModels, err := s.client.ReadJSON(ctx, ModelIndexFile)
	if err != nil {
		return View{}, fmt.Errorf("read model index: %w", err)
	}
	models, err := catalog.ParseModels(rawModels)
	if err != nil {
		return View{}, err
	}

	var view View
	for _, m := range models {
		view.Models = append(view.Models, Option{Value: m.ID, Label: m.Label()})
	}
	modelID := catalog.SelectModel(models, p.ModelID())
	p.SetModelID(modelID)
	view.ModelID = modelID
	view.ModelDisabled = len(models) == 0

	buildDir := p.BuildDir()
	view.BuildDir = buildDir
	view.TestList = p.TestList()
	view.DrawProfile = p.DrawProfile()
	view.TestPlotURL = plotURL(s.testPort)
	view.PerfPlotURL = plotURL(s.perfPort)

	var notifyErrs []error
	if s.perfActive {
		modelPath, err := s.ensureCachedModel(ctx, modelID, buildDir)
		if err != nil {
			return View{}, err
		}
		err = s.send(ctx, types.Message{
			Source:  types.PeerIndex,
			Dest:    types.PeerPerfProc,
			Cmd:     types.CmdReplot,
			Payload: map[string]any{"model_filepath": modelPath},
		})
		if err != nil {
			s.logger.Warn().Err(err).Msg("perf replot not delivered")
			notifyErrs = append(notifyErrs, err)
		}
	}

	rawTests, err := s.client.ReadJSON(ctx, TestIndexFile)
	if err != nil {
		return View{}, fmt.Errorf("read test index: %w", err)
	}
	tests, err := catalog.ParseTests(rawTests)
	if err != nil {
		return View{}, err
	}
	sel := catalog.VisibleTests(tests, view.TestList, modelID)
	for _, t := range sel.Visible {
		view.Tests = append(view.Tests, Option{Value: t.ID, Label: t.Label()})
	}
	test, haveTest := catalog.SelectTest(sel.Visible, p.TestID())
	p.SetTestID(test.ID)
	view.TestID = test.ID
	view.TestsWithDataDisabled = !sel.FoundMeasured
	view.TestDisabled = !haveTest
	view.IsStandardTest = haveTest && test.IsStandard()
	view.DrawProfileDisabled = !view.IsStandardTest

	if haveTest && s.testActive {
		modelPath, err := s.ensureCachedModel(ctx, modelID, buildDir)
		if err != nil {
			return View{}, err
		}
		// A failed run still replots: the plotter shows whatever output exists.
		replot, err := s.dispatchRun(ctx, p, test, modelID, buildDir, modelPath)
		if err != nil {
			s.logger.Warn().Err(err).Str("model", modelID).Str("test", test.ID).Msg("engine run failed")
			notifyErrs = append(notifyErrs, err)
		}
		p.SetVisibility(replot.Field("measured_filepath") != "", true)
		if err := s.send(ctx, replot); err != nil {
			s.logger.Warn().Err(err).Msg("test replot not delivered")
			notifyErrs = append(notifyErrs, err)
		}
		view.ShowTestPlot = true
	} else {
		p.SetVisibility(false, false)
	}

	if err := s.writePrefs(ctx, p); err != nil {
		return View{}, err
	}
	s.form, s.haveForm = view.Form(), true
	if len(notifyErrs) > 0 {
		return view, fmt.Errorf("update plots: %w", errors.Join(notifyErrs...))
	}
	return view, nil
}

// dispatchRun runs the engine on the cached model and returns the replot
// message for the test plotter. The message is built even when the run
// fails.
func (s *Session) dispatchRun(ctx context.Context, p *prefs.Prefs, test catalog.Test, modelID, buildDir, modelPath string) (types.Message, error) {
	standard := test.IsStandard()
	var measured, simulated string
	var runErr error
	if standard {
		req := types.MeasureRequest{
			ModelSpec:     dashboardSpec,
			ModelIDOrPath: modelPath,
			BuildDir:      buildDir,
			DrawProfile:   p.DrawProfile(),
		}
		if err := s.client.Call(ctx, "measure", req); err != nil {
			runErr = fmt.Errorf("measure %s: %w", modelID, err)
		}
		simulated = SimulatedPath(buildDir, test.ID, dashboardSpec, modelID, true)
	} else {
		testDir := test.Dir(s.testRoot)
		req := types.SimulateRequest{
			ModelSpec:     dashboardSpec,
			ModelIDOrPath: modelPath,
			BuildDir:      buildDir,
			TestDir:       testDir,
		}
		if err := s.client.Call(ctx, "simulate", req); err != nil {
			runErr = fmt.Errorf("simulate %s on %s: %w", modelID, test.ID, err)
		}
		simulated = SimulatedPath(buildDir, test.ID, dashboardSpec, modelID, false)
		if file, ok := test.MeasuredFile(modelID); ok {
			measured = MeasuredPath(testDir, file)
		}
	}
	isStandard := 0
	if standard {
		isStandard = 1
	}
	return types.Message{
		Source: types.PeerIndex,
		Dest:   types.PeerTestProc,
		Cmd:    types.CmdReplot,
		Payload: map[string]any{
			"measured_filepath":  measured,
			"simulated_filepath": simulated,
			"is_standard_test":   isStandard,
		},
	}, runErr
}

func plotURL(port int) string {
	if port == 0 {
		return ""
	}
	return "http://localhost:" + strconv.Itoa(port)
}

func (s *Session) readCache(ctx context.Context) ([]byte, error) {
	raw, err := s.client.ReadJSON(ctx, ModelCacheFile)
	if err != nil {
		if IsNotFound(err) {
			return []byte(`{}`), nil
		}
		return nil, fmt.Errorf("read model cache: %w", err)
	}
	if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		return nil, fmt.Errorf("model cache: expected object")
	}
	return raw, nil
}

// EnsureCachedModel returns the working copy of modelID, copying the
// reference model into the build tree the first time it is needed.
func (s *Session) EnsureCachedModel(ctx context.Context, modelID, buildDir string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureCachedModel(ctx, modelID, buildDir)
}

func (s *Session) ensureCachedModel(ctx context.Context, modelID, buildDir string) (string, error) {
	cache, err := s.readCache(ctx)
	if err != nil {
		return "", err
	}
	key := gjson.Escape(modelID)
	if v := gjson.GetBytes(cache, key); v.Exists() {
		return v.String(), nil
	}
	cached := CachedModelPath(buildDir, modelID)
	if err := s.client.CopyFile(ctx, ReferenceModelPath(s.testRoot, modelID), cached); err != nil {
		return "", fmt.Errorf("cache model %s: %w", modelID, err)
	}
	cache, err = sjson.SetBytes(cache, key, cached)
	if err != nil {
		return "", fmt.Errorf("model cache: %w", err)
	}
	if err := s.client.WriteJSON(ctx, ModelCacheFile, cache); err != nil {
		return "", fmt.Errorf("write model cache: %w", err)
	}
	return cached, nil
}

type cacheEntry struct {
	modelID string
	path    string
}

func cacheEntries(cache []byte) []cacheEntry {
	var entries []cacheEntry
	gjson.ParseBytes(cache).ForEach(func(k, v gjson.Result) bool {
		entries = append(entries, cacheEntry{modelID: k.String(), path: v.String()})
		return true
	})
	return entries
}

// UpdateModels copies every working copy back over its reference model.
// Entries that fail to copy stay in the cache.
func (s *Session) UpdateModels(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneCache(ctx, func(e cacheEntry) error {
		return s.client.CopyFile(ctx, e.path, ReferenceModelPath(s.testRoot, e.modelID))
	})
}

// RestoreModels discards every working copy.
func (s *Session) RestoreModels(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneCache(ctx, func(e cacheEntry) error {
		return s.client.DeleteFile(ctx, e.path)
	})
}

func (s *Session) pruneCache(ctx context.Context, apply func(cacheEntry) error) error {
	cache, err := s.readCache(ctx)
	if err != nil {
		return err
	}
	for _, e := range cacheEntries(cache) {
		if err := apply(e); err != nil {
			s.logger.Warn().Err(err).Str("model", e.modelID).Str("path", e.path).Msg("model cache entry kept")
			continue
		}
		cache, err = sjson.DeleteBytes(cache, gjson.Escape(e.modelID))
		if err != nil {
			return fmt.Errorf("model cache: %w", err)
		}
	}
	if err := s.client.WriteJSON(ctx, ModelCacheFile, cache); err != nil {
		return fmt.Errorf("write model cache: %w", err)
	}
	return nil
}

func (s *Session) procCall(ctx context.Context, endpoint, cmd string) (types.LaunchResult, error) {
	var res types.LaunchResult
	if err := s.client.CallJSON(ctx, endpoint, types.ProcRequest{Cmd: cmd}, &res); err != nil {
		return types.LaunchResult{}, err
	}
	return res, nil
}

// ToggleTestProc starts the test plotter when it is stopped and stops it
// when it runs, then refreshes the view.
func (s *Session) ToggleTestProc(ctx context.Context) (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.testActive {
		if _, err := s.procCall(ctx, "test_proc", types.ProcStop); err != nil {
			return View{}, err
		}
		s.testActive, s.testPort = false, 0
	} else {
		res, err := s.procCall(ctx, "test_proc", types.ProcStart)
		if err != nil {
			return View{}, err
		}
		s.testActive, s.testPort = true, res.PortNum
	}
	return s.setElements(ctx)
}

// TogglePerfProc is ToggleTestProc for the performance-map plotter.
func (s *Session) TogglePerfProc(ctx context.Context) (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.perfActive {
		if _, err := s.procCall(ctx, "perf_proc", types.ProcStop); err != nil {
			return View{}, err
		}
		s.perfActive, s.perfPort = false, 0
	} else {
		res, err := s.procCall(ctx, "perf_proc", types.ProcStart)
		if err != nil {
			return View{}, err
		}
		s.perfActive, s.perfPort = true, res.PortNum
	}
	return s.setElements(ctx)
}

// RunFitProc runs the fitter once and refreshes the view.
func (s *Session) RunFitProc(ctx context.Context) (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.procCall(ctx, "fit_proc", types.ProcStart); err != nil {
		return View{}, err
	}
	if _, err := s.procCall(ctx, "fit_proc", types.ProcStop); err != nil {
		return View{}, err
	}
	return s.setElements(ctx)
}

// Active reports which plot processes this session started.
func (s *Session) Active() (test, perf bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.testActive, s.perfActive
}

// KeyPressed forwards a key press to the performance-map plotter.
func (s *Session) KeyPressed(ctx context.Context, key string) error {
	return s.send(ctx, types.Message{
		Source:  types.PeerIndexHTML,
		Dest:    types.PeerPerfProc,
		Cmd:     types.CmdKeyPressed,
		Payload: map[string]any{"key": key},
	})
}

// HandleMessage reacts to relay traffic addressed to the dashboard. A plot
// process announcing itself triggers a resync with the last form values;
// a fit refresh re-renders the fit tables.
func (s *Session) HandleMessage(ctx context.Context, msg types.Message) error {
	if msg.Dest != types.PeerIndex {
		return nil
	}
	switch {
	case msg.Cmd == types.CmdInit && (msg.Source == types.PeerTestProc || msg.Source == types.PeerPerfProc):
		s.mu.Lock()
		var view View
		var err error
		if s.haveForm {
			if err = s.getElements(ctx, s.form); err == nil {
				view, err = s.setElements(ctx)
			}
		} else {
			view, err = s.setElements(ctx)
		}
		s.mu.Unlock()
		if err != nil {
			return err
		}
		if s.onView != nil {
			s.onView(ctx, view)
		}
	case (msg.Cmd == types.CmdRefresh || msg.Cmd == types.CmdRefreshFit) &&
		(msg.Source == types.PeerFitProc || msg.Source == types.PeerTestProc):
		if s.onFitRefresh == nil {
			return nil
		}
		tables, err := s.FitTables(ctx)
		if err != nil {
			return err
		}
		s.onFitRefresh(ctx, tables)
	}
	return nil
}

// FitTables is the rendered content of fit_list.json.
type FitTables struct {
	Params  string
	Metrics string
}

func (s *Session) readFitList(ctx context.Context) (*fittable.FitList, error) {
	raw, err := s.client.ReadJSON(ctx, FitListFile)
	if err != nil && !IsNotFound(err) {
		return nil, fmt.Errorf("read fit list: %w", err)
	}
	return fittable.Parse(raw)
}

func (s *Session) FitTables(ctx context.Context) (FitTables, error) {
	fl, err := s.readFitList(ctx)
	if err != nil {
		return FitTables{}, err
	}
	return FitTables{Params: fittable.RenderParams(fl), Metrics: fittable.RenderMetrics(fl)}, nil
}

func (s *Session) editFitList(ctx context.Context, edit func(*fittable.FitList) error) (FitTables, error) {
	fl, err := s.readFitList(ctx)
	if err != nil {
		return FitTables{}, err
	}
	if err := edit(fl); err != nil {
		return FitTables{}, err
	}
	if err := s.client.WriteJSON(ctx, FitListFile, fl.Bytes()); err != nil {
		return FitTables{}, fmt.Errorf("write fit list: %w", err)
	}
	return s.FitTables(ctx)
}

// ClearParams empties the fit parameters and re-renders.
func (s *Session) ClearParams(ctx context.Context) (FitTables, error) {
	return s.editFitList(ctx, (*fittable.FitList).ClearParameters)
}

// ClearMetrics empties the fit metrics and re-renders.
func (s *Session) ClearMetrics(ctx context.Context) (FitTables, error) {
	return s.editFitList(ctx, (*fittable.FitList).ClearMetrics)
}

// SetEnergyFactor adds or removes the energy-factor target for a model and
// draw profile.
func (s *Session) SetEnergyFactor(ctx context.Context, ef fittable.EnergyFactor, fit bool) (FitTables, error) {
	return s.editFitList(ctx, func(fl *fittable.FitList) error { return fl.SetEnergyFactor(ef, fit) })
}

// AddTestPoints appends test-point targets.
func (s *Session) AddTestPoints(ctx context.Context, points []fittable.TestPoint) (FitTables, error) {
	return s.editFitList(ctx, func(fl *fittable.FitList) error { return fl.AddTestPoints(points) })
}

// Properties holds the property tables of the selected model.
type Properties struct {
	General    string
	Tank       string
	HeatSource string
}

// Properties renders the selected model's working copy.
func (s *Session) Properties(ctx context.Context) (Properties, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.readPrefs(ctx)
	if err != nil {
		return Properties{}, err
	}
	modelPath, err := s.ensureCachedModel(ctx, p.ModelID(), p.BuildDir())
	if err != nil {
		return Properties{}, err
	}
	model, err := s.client.ReadJSON(ctx, modelPath)
	if err != nil {
		return Properties{}, fmt.Errorf("read model: %w", err)
	}
	if !json.Valid(model) {
		return Properties{}, fmt.Errorf("model %s: invalid json", p.ModelID())
	}
	props := Properties{
		General: fittable.RenderGeneral(model),
		Tank:    fittable.RenderTank(model),
	}
	if hs, ok := fittable.RenderHeatSource(model, p.HeatSourceID()); ok {
		props.HeatSource = hs
	}
	return props, nil
}
