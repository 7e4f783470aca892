package ml

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"futures-agent/internal/logging"
	"futures-agent/internal/market"
)

var (
	ortOnce sync.Once
	ortErr  error
)

// InitializeRuntime loads the onnxruntime shared library once per process.
// An empty libPath picks the platform default name.
func InitializeRuntime(libPath string) error {
	ortOnce.Do(func() {
		if libPath == "" {
			switch runtime.GOOS {
			case "windows":
				libPath = "onnxruntime.dll"
			case "darwin":
				libPath = "libonnxruntime.dylib"
			default:
				libPath = "/usr/lib/libonnxruntime.so"
			}
		}
		ort.SetSharedLibraryPath(libPath)
		ortErr = ort.InitializeEnvironment()
	})
	return ortErr
}

// session runs one fixed-shape inference.
type session interface {
	Run(features []float32) ([]float32, error)
	Close()
}

// sessionOpener builds a session for a model file with the given input/output widths.
type sessionOpener func(path string, inputs, outputs int) (session, error)

// onnxSession keeps preallocated tensors bound to an advanced session.
type onnxSession struct {
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func openONNXSession(path string, inputs, outputs int) (session, error) {
	inputTensor, err := ort.NewTensor(ort.NewShape(1, int64(inputs)), make([]float32, inputs))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(outputs)))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	s, err := ort.NewAdvancedSession(path,
		[]string{"input"}, []string{"output"},
		[]ort.Value{inputTensor}, []ort.Value{outputTensor}, nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create session for %s: %w", path, err)
	}

	return &onnxSession{session: s, input: inputTensor, output: outputTensor}, nil
}

func (s *onnxSession) Run(features []float32) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := s.input.GetData()
	if len(features) != len(data) {
		return nil, fmt.Errorf("expected %d features, got %d", len(data), len(features))
	}
	copy(data, features)
	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	out := make([]float32, len(s.output.GetData()))
	copy(out, s.output.GetData())
	return out, nil
}

func (s *onnxSession) Close() {
	if s.session != nil {
		s.session.Destroy()
	}
	if s.input != nil {
		s.input.Destroy()
	}
	if s.output != nil {
		s.output.Destroy()
	}
}

// reloadingModel opens path lazily and reopens it whenever the file's mtime changes.
type reloadingModel struct {
	path    string
	inputs  int
	outputs int
	open    sessionOpener
	logger  *logging.Logger

	mu      sync.Mutex
	current session
	modTime time.Time
}

func (m *reloadingModel) get() (session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, err := os.Stat(m.path)
	if err != nil {
		if m.current != nil {
			return m.current, nil
		}
		return nil, fmt.Errorf("%s: %w", m.path, ErrModelUnavailable)
	}
	if m.current != nil && info.ModTime().Equal(m.modTime) {
		return m.current, nil
	}

	s, err := m.open(m.path, m.inputs, m.outputs)
	if err != nil {
		if m.current != nil {
			m.logger.Warn("Model reload failed, keeping previous session", "path", m.path, "error", err)
			return m.current, nil
		}
		return nil, fmt.Errorf("%s: %v: %w", m.path, err, ErrModelUnavailable)
	}
	if m.current != nil {
		m.current.Close()
		m.logger.Info("Model reloaded", "path", m.path, "mod_time", info.ModTime())
	}
	m.current = s
	m.modTime = info.ModTime()
	return s, nil
}

func (m *reloadingModel) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.Close()
		m.current = nil
	}
}

// ONNXOracle runs a 3-class [SHORT, HOLD, LONG] classifier over OracleFeatures.
type ONNXOracle struct {
	model *reloadingModel
}

// NewONNXOracle prepares an oracle for modelPath. The file is opened on first use.
func NewONNXOracle(modelPath string, logger *logging.Logger) *ONNXOracle {
	return newONNXOracle(modelPath, openONNXSession, logger)
}

func newONNXOracle(modelPath string, open sessionOpener, logger *logging.Logger) *ONNXOracle {
	return &ONNXOracle{model: &reloadingModel{
		path:    modelPath,
		inputs:  len(OracleFeatureNames),
		outputs: 3,
		open:    open,
		logger:  logger.WithComponent("oracle"),
	}}
}

func (o *ONNXOracle) Predict(_ context.Context, snap market.Snapshot) Prediction {
	features, err := OracleFeatures(snap)
	if err != nil {
		return Unavailable("onnx", err.Error())
	}
	s, err := o.model.get()
	if err != nil {
		return Unavailable("onnx", err.Error())
	}
	probs, err := s.Run(features)
	if err != nil {
		return Unavailable("onnx", err.Error())
	}
	return signalFromProbs(probs, "onnx")
}

// Close releases the model session.
func (o *ONNXOracle) Close() { o.model.Close() }

// ONNXSelector runs a binary win/loss classifier once per strategy row and picks the
// row with the highest P(win).
type ONNXSelector struct {
	model *reloadingModel
}

// NewONNXSelector prepares a selector for modelPath. The file is opened on first use.
func NewONNXSelector(modelPath string, logger *logging.Logger) *ONNXSelector {
	return newONNXSelector(modelPath, openONNXSession, logger)
}

func newONNXSelector(modelPath string, open sessionOpener, logger *logging.Logger) *ONNXSelector {
	return &ONNXSelector{model: &reloadingModel{
		path:    modelPath,
		inputs:  len(SelectorFeatureNames),
		outputs: 2,
		open:    open,
		logger:  logger.WithComponent("selector"),
	}}
}

func (s *ONNXSelector) PredictBestStrategy(_ context.Context, rows []SelectorRow) Selection {
	if len(rows) == 0 {
		return Selection{Reason: "no candidate rows"}
	}
	sess, err := s.model.get()
	if err != nil {
		return Selection{Reason: err.Error()}
	}
	probs := make([]float64, len(rows))
	for i, row := range rows {
		out, err := sess.Run(row.Features)
		if err != nil {
			return Selection{Reason: err.Error()}
		}
		if len(out) != 2 {
			return Selection{Reason: "unexpected output width"}
		}
		probs[i] = float64(out[1])
	}
	return pickBest(rows, probs)
}

// Close releases the model session.
func (s *ONNXSelector) Close() { s.model.Close() }
