package utilities

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// LogLevel defines the severity of a log message.
type LogLevel int

// Logging Level
const (
	Debug LogLevel = iota
	Info
	Warn
	Error
	Fatal
)

// Colors.
const (
	ColorReset  = "\033[0m"
	ColorYellow = "\033[93m" // For trading-pair symbols
	ColorCyan   = "\033[96m" // For Buy signals
	ColorRed    = "\033[91m" // For Sell signals
	ColorWhite  = "\033[97m" // For Hold signals
)

// Logger provides a structured logger with different levels.
type Logger struct {
	Level  LogLevel
	Logger *log.Logger
}

// NewLogger creates a new Logger instance.
func NewLogger(level LogLevel) *Logger {
	return &Logger{
		Level:  level,
		Logger: log.New(os.Stdout, "[SmartPicks] ", log.Ldate|log.Ltime|log.Lshortfile),
	}
}

// LogDebug logs a message at Debug level.
func (l *Logger) LogDebug(format string, v ...interface{}) {
	if l.Level <= Debug {
		_ = l.Logger.Output(2, fmt.Sprintf("[DEBUG] "+format, v...))
	}
}

// LogInfo logs a message at Info level.
func (l *Logger) LogInfo(format string, v ...interface{}) {
	if l.Level <= Info {
		_ = l.Logger.Output(2, fmt.Sprintf("[INFO] "+format, v...))
	}
}

// LogWarn logs a message at Warn level.
func (l *Logger) LogWarn(format string, v ...interface{}) {
	if l.Level <= Warn {
		_ = l.Logger.Output(2, fmt.Sprintf("[WARN] "+format, v...))
	}
}

// LogError logs a message at Error level.
func (l *Logger) LogError(format string, v ...interface{}) {
	if l.Level <= Error {
		_ = l.Logger.Output(2, fmt.Sprintf("[ERROR] "+format, v...))
	}
}

// LogFatal logs a message at Fatal level and then calls os.Exit(1).
func (l *Logger) LogFatal(format string, v ...interface{}) {
	_ = l.Logger.Output(2, fmt.Sprintf("[FATAL] "+format, v...))
	os.Exit(1)
}

// SetLogLevel updates the logging level of the logger.
func (l *Logger) SetLogLevel(level LogLevel) {
	l.Level = level
}

// ParseLogLevel converts a string log level to the LogLevel type.
func ParseLogLevel(levelStr string) (LogLevel, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return Debug, nil
	case "info":
		return Info, nil
	case "warn":
		return Warn, nil
	case "error":
		return Error, nil
	case "fatal":
		return Fatal, nil
	default:
		return Info, fmt.Errorf("invalid log level string: %s", levelStr)
	}
}

// Candle represents a single Open, High, Low, Close, Volume data point.
// OpenTime is milliseconds since epoch, matching the exchange kline payload.
type Candle struct {
	OpenTime int64   `json:"open_time"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
}

// SortCandlesByOpenTime sorts a slice of Candle by ascending OpenTime.
func SortCandlesByOpenTime(candles []Candle) {
	sort.Slice(candles, func(i, j int) bool {
		return candles[i].OpenTime < candles[j].OpenTime
	})
}

// Closes extracts the close prices from a candle series.
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// Highs extracts the high prices from a candle series.
func Highs(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.High
	}
	return out
}

// Lows extracts the low prices from a candle series.
func Lows(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Low
	}
	return out
}

// ParseFloatFromInterface is a helper function to parse float64 from various numeric types.
func ParseFloatFromInterface(val interface{}) (float64, error) {
	switch v := val.(type) {
	case string:
		return strconv.ParseFloat(v, 64)
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	default:
		return 0, fmt.Errorf("unsupported type for float conversion: %T", v)
	}
}

// MinInt returns the minimum of two integers.
func MinInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// FilterAfter returns a subset of items that occur after a given cutoff time.
func FilterAfter[T any](items []T, getTime func(T) time.Time, cutoff time.Time) []T {
	var out []T
	for _, it := range items {
		if getTime(it).After(cutoff) {
			out = append(out, it)
		}
	}
	return out
}
