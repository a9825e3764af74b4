package generator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/maauso/comfyui-gateway/internal/comfyui"
	"github.com/maauso/comfyui-gateway/internal/job"
	"github.com/maauso/comfyui-gateway/internal/storage"
	"github.com/maauso/comfyui-gateway/internal/workflow"
	"github.com/maauso/comfyui-gateway/workflows"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// mockEngine implements Engine for testing.
type mockEngine struct {
	mock.Mock
}

func (m *mockEngine) Submit(ctx context.Context, wf any) (string, error) {
	args := m.Called(ctx, wf)
	return args.String(0), args.Error(1)
}

func (m *mockEngine) UploadImage(ctx context.Context, data []byte, filename string) (string, error) {
	args := m.Called(ctx, data, filename)
	return args.String(0), args.Error(1)
}

func (m *mockEngine) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockEngine) Download(ctx context.Context, fileURL string) (io.ReadCloser, string, error) {
	args := m.Called(ctx, fileURL)
	if args.Get(0) == nil {
		return nil, "", args.Error(2)
	}
	return args.Get(0).(io.ReadCloser), args.String(1), args.Error(2)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func loadTemplate(t *testing.T, v Variant) workflow.Graph {
	t.Helper()
	g, err := workflow.LoadFS(workflows.FS, v.Template)
	require.NoError(t, err)
	return g
}

func input(t *testing.T, g any, node, name string) any {
	t.Helper()
	graph, ok := g.(workflow.Graph)
	require.True(t, ok, "submitted workflow is %T", g)
	v, ok := graph.Lookup(node, "inputs", name)
	require.True(t, ok, "missing %s.inputs.%s", node, name)
	return v
}

// stubEngine is a minimal ComfyUI server. Jobs complete after runningPolls
// history lookups.
type stubEngine struct {
	server       *httptest.Server
	mu           sync.Mutex
	submitted    []map[string]any
	uploads      []string
	historyCalls int
	runningPolls int
	outputs      string
}

func newStubEngine(t *testing.T, runningPolls int) *stubEngine {
	t.Helper()
	s := &stubEngine{
		runningPolls: runningPolls,
		outputs:      `{"60": {"images": [{"filename": "out.png", "subfolder": "", "type": "output"}]}}`,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /prompt", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Prompt map[string]any `json:"prompt"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		s.mu.Lock()
		s.submitted = append(s.submitted, body.Prompt)
		s.mu.Unlock()
		_, _ = w.Write([]byte(`{"prompt_id": "p-1", "number": 1, "node_errors": {}}`))
	})
	mux.HandleFunc("POST /upload/image", func(w http.ResponseWriter, r *http.Request) {
		_, header, err := r.FormFile("image")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.uploads = append(s.uploads, header.Filename)
		s.mu.Unlock()
		_, _ = w.Write([]byte(`{"name": "` + header.Filename + `", "subfolder": "", "type": "input"}`))
	})
	mux.HandleFunc("GET /history/{id}", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.historyCalls++
		done := s.historyCalls > s.runningPolls
		s.mu.Unlock()
		if !done {
			_, _ = w.Write([]byte(`{}`))
			return
		}
		_, _ = w.Write([]byte(`{"` + r.PathValue("id") + `": {"status": {"status_str": "success", "completed": true}, "outputs": ` + s.outputs + `}}`))
	})
	mux.HandleFunc("GET /queue", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"queue_running": [[1, "p-1", {}, {}, []]], "queue_pending": []}`))
	})
	mux.HandleFunc("GET /view", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("filename") != "out.png" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png-data"))
	})
	s.server = httptest.NewServer(mux)
	t.Cleanup(s.server.Close)
	return s
}

func newStubService(t *testing.T, stub *stubEngine, v Variant, opts ...Option) *Service {
	t.Helper()
	client, err := comfyui.NewClient(stub.server.URL)
	require.NoError(t, err)

	poller := job.NewPoller(client,
		job.Extractor{ViewURL: stub.server.URL + "/view", Kinds: v.Outputs},
		job.WithInterval(time.Millisecond),
		job.WithLogger(testLogger()),
	)
	opts = append([]Option{WithLogger(testLogger())}, opts...)
	return NewService(v, loadTemplate(t, v), client, poller, opts...)
}

func TestVariants(t *testing.T) {
	for _, v := range Variants() {
		t.Run(v.ID, func(t *testing.T) {
			got, err := Lookup(v.ID)
			require.NoError(t, err)
			assert.Equal(t, v.ID, got.ID)

			// Every patched node exists in the bundled template.
			g := loadTemplate(t, v)
			_, report := workflow.Patch(g, v.Fields, v.Defaults)
			assert.Empty(t, report.Skipped)
			assert.Len(t, report.Applied, len(v.Fields))
		})
	}

	_, err := Lookup("sdxl")
	assert.ErrorIs(t, err, ErrUnknownVariant)
}

func TestVariant_Fields(t *testing.T) {
	keys := func(v Variant) []string {
		var out []string
		for _, f := range v.Fields {
			out = append(out, f.Key())
		}
		return out
	}

	assert.Equal(t, []string{
		"6:inputs.text", "3:inputs.seed", "3:inputs.steps", "3:inputs.cfg",
		"3:inputs.sampler_name", "3:inputs.scheduler", "58:inputs.width", "58:inputs.height",
	}, keys(QwenImage()))

	assert.Contains(t, keys(I2V()), "47:inputs.fps")
	assert.NotContains(t, keys(I2V()), "58:inputs.noise_seed")
	assert.Contains(t, keys(Wan22I2V()), "58:inputs.noise_seed")
	assert.Contains(t, keys(Wan22I2V()), "76:inputs.frame_rate")
}

func TestVariant_DefaultParams(t *testing.T) {
	assert.Equal(t, 15, I2V().DefaultParams(false).Steps)
	assert.Equal(t, 20, I2V().DefaultParams(true).Steps)
	assert.Equal(t, 4, Wan22I2V().DefaultParams(true).Steps)
	assert.False(t, QwenImage().IsVideo())
	assert.True(t, Wan22I2V().IsVideo())
	assert.Equal(t, "min=0.5,max=10", Wan22I2V().Limits.CFG.Tag())
}

func TestGenerate_PatchesTemplate(t *testing.T) {
	v := QwenImage()
	engine := &mockEngine{}
	var submitted any
	engine.On("Submit", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { submitted = args.Get(1) }).
		Return("p-42", nil)

	now := time.UnixMicro(3*(1<<32) + 777)
	svc := NewService(v, loadTemplate(t, v), engine, nil, WithClock(func() time.Time { return now }), WithLogger(testLogger()))

	p := v.DefaultParams(false)
	p.Prompt = "a cat"
	sub, err := svc.Generate(context.Background(), Input{Params: p})
	require.NoError(t, err)
	assert.Equal(t, "p-42", sub.PromptID)
	assert.Equal(t, int64(777), sub.Seed)

	assert.Equal(t, "a cat", input(t, submitted, "6", "text"))
	assert.Equal(t, int64(777), input(t, submitted, "3", "seed"))
	assert.Equal(t, 20, input(t, submitted, "3", "steps"))
	assert.Equal(t, 2.5, input(t, submitted, "3", "cfg"))
	assert.Equal(t, 1328, input(t, submitted, "58", "width"))
	assert.Equal(t, "euler", input(t, submitted, "3", "sampler_name"))
	// Fields outside the patch table keep their template values.
	assert.Equal(t, json.Number("1"), input(t, submitted, "58", "batch_size"))
}

func TestGenerate_ExplicitSeedZero(t *testing.T) {
	v := Wan22I2V()
	engine := &mockEngine{}
	var submitted any
	engine.On("Submit", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { submitted = args.Get(1) }).
		Return("p-1", nil)

	svc := NewService(v, loadTemplate(t, v), engine, nil, WithLogger(testLogger()))

	zero := int64(0)
	p := v.DefaultParams(false)
	p.Prompt = "waves"
	p.Image = "beach.png"
	sub, err := svc.Generate(context.Background(), Input{Params: p, Seed: &zero})
	require.NoError(t, err)
	assert.Equal(t, int64(0), sub.Seed)
	assert.Equal(t, int64(0), input(t, submitted, "57", "noise_seed"))
	assert.Equal(t, int64(0), input(t, submitted, "58", "noise_seed"))
	assert.Equal(t, "beach.png", input(t, submitted, "62", "image"))
	assert.Equal(t, 16, input(t, submitted, "76", "frame_rate"))
}

func TestGenerate_Errors(t *testing.T) {
	t.Run("video variant without image", func(t *testing.T) {
		engine := &mockEngine{}
		svc := NewService(I2V(), loadTemplate(t, I2V()), engine, nil, WithLogger(testLogger()))

		_, err := svc.Generate(context.Background(), Input{Params: workflow.Params{Prompt: "x"}})
		assert.ErrorIs(t, err, ErrImageRequired)
		engine.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
	})

	t.Run("submit failure", func(t *testing.T) {
		engine := &mockEngine{}
		engine.On("Submit", mock.Anything, mock.Anything).Return("", comfyui.ErrSubmitFailed)
		svc := NewService(QwenImage(), loadTemplate(t, QwenImage()), engine, nil, WithLogger(testLogger()))

		_, err := svc.Generate(context.Background(), Input{Params: workflow.Params{Prompt: "x"}})
		assert.ErrorIs(t, err, comfyui.ErrSubmitFailed)
	})

	t.Run("upload on image variant", func(t *testing.T) {
		engine := &mockEngine{}
		svc := NewService(QwenImage(), loadTemplate(t, QwenImage()), engine, nil, WithLogger(testLogger()))

		_, err := svc.UploadAndGenerate(context.Background(), Input{}, []byte("x"), "x.png")
		assert.ErrorIs(t, err, ErrUploadNotSupported)
	})

	t.Run("upload failure skips submit", func(t *testing.T) {
		engine := &mockEngine{}
		engine.On("UploadImage", mock.Anything, []byte("img"), "a.png").Return("", comfyui.ErrUploadFailed)
		svc := NewService(I2V(), loadTemplate(t, I2V()), engine, nil, WithLogger(testLogger()))

		_, err := svc.UploadAndGenerate(context.Background(), Input{Params: workflow.Params{Prompt: "x"}}, []byte("img"), "a.png")
		assert.ErrorIs(t, err, comfyui.ErrUploadFailed)
		engine.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
	})
}

func TestUploadAndGenerate_UsesEngineName(t *testing.T) {
	v := I2V()
	engine := &mockEngine{}
	engine.On("UploadImage", mock.Anything, []byte("img"), "face.png").Return("face (2).png", nil)
	var submitted any
	engine.On("Submit", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { submitted = args.Get(1) }).
		Return("p-9", nil)

	svc := NewService(v, loadTemplate(t, v), engine, nil, WithLogger(testLogger()))

	p := v.DefaultParams(true)
	p.Prompt = "smile"
	sub, err := svc.UploadAndGenerate(context.Background(), Input{Params: p}, []byte("img"), "face.png")
	require.NoError(t, err)
	assert.Equal(t, "face (2).png", sub.Image)
	assert.Equal(t, "face (2).png", input(t, submitted, "52", "image"))
	assert.Equal(t, 20, input(t, submitted, "57", "steps"))
	assert.Equal(t, 16.0, input(t, submitted, "47", "fps"))
	assert.Equal(t, 16, input(t, submitted, "28", "fps"))
}

func TestGenerateSync_EndToEnd(t *testing.T) {
	stub := newStubEngine(t, 2)
	v := QwenImage()
	svc := newStubService(t, stub, v)

	seed := int64(5)
	res, err := svc.GenerateSync(context.Background(), Input{
		Params: workflow.Params{Prompt: "a cat", Steps: 20, CFG: 2.5, Width: 1328, Height: 1328, Sampler: "euler", Scheduler: "simple"},
		Seed:   &seed,
	}, time.Minute)
	require.NoError(t, err)

	assert.Equal(t, job.StatusCompleted, res.Status)
	assert.Equal(t, "p-1", res.PromptID)
	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, "out.png", res.Artifacts[0].Filename)
	assert.Equal(t, stub.server.URL+"/view?filename=out.png&subfolder=&type=output", res.Artifacts[0].URL)
	assert.Empty(t, res.Artifacts[0].MirrorURL)

	require.Len(t, stub.submitted, 1)
	node6 := stub.submitted[0]["6"].(map[string]any)["inputs"].(map[string]any)
	assert.Equal(t, "a cat", node6["text"])
	node3 := stub.submitted[0]["3"].(map[string]any)["inputs"].(map[string]any)
	assert.EqualValues(t, 5, node3["seed"])
	assert.Equal(t, 3, stub.historyCalls)
}

func TestUploadAndGenerateSync_MirrorsArtifacts(t *testing.T) {
	stub := newStubEngine(t, 0)
	stub.outputs = `{"9": {"gifs": [{"filename": "out.png", "subfolder": "", "type": "output", "format": "video/h264-mp4"}, {"filename": "gone.mp4"}]}}`

	dir := t.TempDir()
	store, err := storage.NewLocalStore(dir, "http://gateway/files")
	require.NoError(t, err)

	v := Wan22I2V()
	svc := newStubService(t, stub, v, WithStore(store))
	assert.True(t, svc.MirrorEnabled())

	p := v.DefaultParams(true)
	p.Prompt = "the sea"
	res, err := svc.UploadAndGenerateSync(context.Background(), Input{Params: p, Mirror: true}, []byte("img"), "sea.png", 0)
	require.NoError(t, err)
	require.Len(t, res.Artifacts, 2)

	assert.Equal(t, "video/h264-mp4", res.Artifacts[0].Format)
	assert.Equal(t, "http://gateway/files/p-1/out.png", res.Artifacts[0].MirrorURL)
	data, err := os.ReadFile(filepath.Join(dir, "p-1", "out.png"))
	require.NoError(t, err)
	assert.Equal(t, "png-data", string(data))

	// A failed download leaves only the engine URL.
	assert.Equal(t, "mp4", res.Artifacts[1].Format)
	assert.Empty(t, res.Artifacts[1].MirrorURL)
	assert.Equal(t, []string{"sea.png"}, stub.uploads)
}

func TestGenerateSync_Timeout(t *testing.T) {
	stub := newStubEngine(t, 1<<30)
	v := QwenImage()
	svc := newStubService(t, stub, v)

	res, err := svc.GenerateSync(context.Background(), Input{Params: v.DefaultParams(false)}, 20*time.Millisecond)
	require.ErrorIs(t, err, job.ErrTimeout)
	assert.Equal(t, "p-1", res.PromptID)
	assert.Equal(t, job.StatusRunning, res.Status)
}

func TestGenerateSync_JobFailed(t *testing.T) {
	v := QwenImage()
	engine := &mockEngine{}
	engine.On("Submit", mock.Anything, mock.Anything).Return("p-7", nil)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"p-7": {"status": {"status_str": "error", "completed": false, "messages": [["execution_error", {"node_type": "KSampler", "exception_message": "boom"}]]}, "outputs": {}}}`))
	}))
	defer server.Close()
	client, err := comfyui.NewClient(server.URL)
	require.NoError(t, err)

	poller := job.NewPoller(client, job.Extractor{Kinds: v.Outputs}, job.WithLogger(testLogger()))
	svc := NewService(v, loadTemplate(t, v), engine, poller, WithLogger(testLogger()))

	res, err := svc.GenerateSync(context.Background(), Input{Params: v.DefaultParams(false)}, time.Second)
	require.ErrorIs(t, err, job.ErrJobFailed)
	assert.Equal(t, job.StatusFailed, res.Status)
	assert.Equal(t, "KSampler: boom", res.Error)
}

func TestMirror_WithoutStore(t *testing.T) {
	svc := NewService(QwenImage(), nil, &mockEngine{}, nil, WithLogger(testLogger()))
	assert.False(t, svc.MirrorEnabled())

	res := job.Result{PromptID: "p", Artifacts: []job.Artifact{{Filename: "a.png", URL: "http://e/view"}}}
	svc.mirror(context.Background(), &res)
	assert.Empty(t, res.Artifacts[0].MirrorURL)
}

func TestMirror_StoreFailure(t *testing.T) {
	engine := &mockEngine{}
	engine.On("Download", mock.Anything, "http://e/view?filename=a.png").
		Return(io.NopCloser(strings.NewReader("x")), "image/png", nil)

	svc := NewService(QwenImage(), nil, engine, nil, WithLogger(testLogger()), WithStore(failingStore{}))

	res := job.Result{PromptID: "p", Artifacts: []job.Artifact{{Filename: "a.png", URL: "http://e/view?filename=a.png"}}}
	svc.mirror(context.Background(), &res)
	assert.Empty(t, res.Artifacts[0].MirrorURL)
	engine.AssertExpectations(t)
}

func TestMirror_SkipsArtifactWithoutFilename(t *testing.T) {
	engine := &mockEngine{}
	svc := NewService(QwenImage(), nil, engine, nil, WithLogger(testLogger()), WithStore(failingStore{}))

	res := job.Result{PromptID: "p", Artifacts: []job.Artifact{{URL: "http://e/view?filename="}}}
	svc.mirror(context.Background(), &res)
	assert.Empty(t, res.Artifacts[0].MirrorURL)
	engine.AssertNotCalled(t, "Download", mock.Anything, mock.Anything)
}

func TestHealth(t *testing.T) {
	engine := &mockEngine{}
	engine.On("Ping", mock.Anything).Return(errors.New("connection refused")).Once()
	engine.On("Ping", mock.Anything).Return(nil).Once()
	svc := NewService(QwenImage(), nil, engine, nil)

	assert.Error(t, svc.Health(context.Background()))
	assert.NoError(t, svc.Health(context.Background()))
}

type failingStore struct{}

func (failingStore) Put(context.Context, string, io.Reader, string) (string, error) {
	return "", errors.New("bucket unavailable")
}
