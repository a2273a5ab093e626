package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level is the severity of a log record.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

var (
	mu       sync.RWMutex
	minLevel = LevelInfo
	output   io.Writer = os.Stderr
	jsonMode bool
)

// SetLevel sets the minimum level emitted.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	minLevel = l
}

// SetOutput redirects log output (tests use a buffer).
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if w != nil {
		output = w
	}
}

// SetJSON toggles JSON-line output instead of text.
func SetJSON(enabled bool) {
	mu.Lock()
	defer mu.Unlock()
	jsonMode = enabled
}

func DebugCF(component, msg string, fields map[string]interface{}) {
	emit(LevelDebug, component, msg, fields)
}

func InfoCF(component, msg string, fields map[string]interface{}) {
	emit(LevelInfo, component, msg, fields)
}

func WarnCF(component, msg string, fields map[string]interface{}) {
	emit(LevelWarn, component, msg, fields)
}

func ErrorCF(component, msg string, fields map[string]interface{}) {
	emit(LevelError, component, msg, fields)
}

func DebugC(component, msg string) { emit(LevelDebug, component, msg, nil) }
func InfoC(component, msg string)  { emit(LevelInfo, component, msg, nil) }
func WarnC(component, msg string)  { emit(LevelWarn, component, msg, nil) }
func ErrorC(component, msg string) { emit(LevelError, component, msg, nil) }

func emit(level Level, component, msg string, fields map[string]interface{}) {
	mu.RLock()
	enabled := level >= minLevel
	w := output
	asJSON := jsonMode
	mu.RUnlock()
	if !enabled {
		return
	}

	now := time.Now().Format(time.RFC3339)

	if asJSON {
		record := map[string]interface{}{
			"ts":        now,
			"level":     level.String(),
			"component": component,
			"msg":       msg,
		}
		for k, v := range fields {
			record[k] = v
		}
		data, err := json.Marshal(record)
		if err != nil {
			// Fields with unmarshalable values fall back to text output.
			fmt.Fprintf(w, "%s [%s] [%s] %s (json encode failed: %v)\n", now, level, component, msg, err)
			return
		}
		fmt.Fprintln(w, string(data))
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] [%s] %s", now, level, component, msg)
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, fields[k])
		}
	}
	fmt.Fprintln(w, b.String())
}
