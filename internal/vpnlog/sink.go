package vpnlog

import "os"

// stdoutSink adapts os.Stdout to zapcore.WriteSyncer without requiring
// exclusive ownership of os.Stdout's fd (Sync is a no-op that always
// returns nil, so unsupported fsync on e.g. piped output never errors).
type stdoutSink struct{}

func (stdoutSink) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdoutSink) Sync() error                  { return nil }
