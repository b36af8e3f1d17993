package student

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/osvaldoandrade/batchsup/pkg/domain"
)

// SpecEnvVar carries a worker's Spec into a re-executed worker process.
const SpecEnvVar = "BATCHSUP_STUDENT_SPEC"

// Spec is the serializable description of one worker, sufficient to rebuild
// its Env in another process.
type Spec struct {
	Kind          string            `json:"kind"`
	Name          string            `json:"name"`
	WorkerID      string            `json:"workerId"`
	RunID         string            `json:"runId"`
	Queue         bool              `json:"queue"`
	Files         []string          `json:"files,omitempty"`
	Meta          domain.Meta       `json:"meta"`
	GridMode      bool              `json:"gridMode"`
	Nice          int               `json:"nice"`
	Options       map[string]string `json:"options,omitempty"`
	OutputDir     string            `json:"outputDir"`
	OutputExt     string            `json:"outputExt"`
	RedisAddr     string            `json:"redisAddr"`
	RedisPassword string            `json:"redisPassword,omitempty"`
	WorkCapacity  int               `json:"workCapacity"`
	LogLevel      string            `json:"logLevel,omitempty"`
	TraceParent   string            `json:"traceParent,omitempty"`
	TraceState    string            `json:"traceState,omitempty"`
	// TraceEndpoint is the resolved OTLP endpoint when the supervisor exports
	// traces; empty disables worker tracing.
	TraceEndpoint string `json:"traceEndpoint,omitempty"`
	TraceInsecure bool   `json:"traceInsecure,omitempty"`
}

func (s Spec) Encode() (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal student spec: %w", err)
	}
	return string(b), nil
}

// SpecFromEnv decodes the Spec a supervisor placed in the environment.
func SpecFromEnv() (Spec, error) {
	var s Spec
	raw := os.Getenv(SpecEnvVar)
	if raw == "" {
		return s, fmt.Errorf("%s is not set", SpecEnvVar)
	}
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return s, fmt.Errorf("parse %s: %w", SpecEnvVar, err)
	}
	if s.WorkerID == "" || s.Kind == "" {
		return s, fmt.Errorf("%s: kind and workerId are required", SpecEnvVar)
	}
	return s, nil
}
