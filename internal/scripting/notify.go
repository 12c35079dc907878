package scripting

import "go.uber.org/zap"

type Sound int

const (
	SoundSuccess Sound = iota
	SoundError
)

func (s Sound) String() string {
	if s == SoundSuccess {
		return "success"
	}
	return "error"
}

// Notifier surfaces script lifecycle problems to whoever operates the engine.
type Notifier interface {
	ScriptError(script string, err error)
	PlaySound(s Sound)
}

type logNotifier struct{ log *zap.Logger }

func (n logNotifier) ScriptError(script string, err error) {
	n.log.Warn("script error", zap.String("script", script), zap.Error(err))
}

func (n logNotifier) PlaySound(s Sound) {
	n.log.Debug("sound", zap.Stringer("sound", s))
}
