package log

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/rs/zerolog"
)

// PionFactory adapts zerolog to pion's LoggerFactory so ICE, DTLS and SCTP
// logs land in the same structured stream as everything else.
type PionFactory struct {
	base zerolog.Logger
}

var _ logging.LoggerFactory = (*PionFactory)(nil)

// NewPionFactory returns a factory whose loggers are children of base.
func NewPionFactory(base zerolog.Logger) *PionFactory {
	return &PionFactory{base: base.With().Str(FieldComponent, "pion").Logger()}
}

// NewLogger implements logging.LoggerFactory.
func (f *PionFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{l: f.base.With().Str("scope", scope).Logger()}
}

type pionLogger struct {
	l zerolog.Logger
}

// pion is chatty at info; everything below warn is demoted one level.
func (p *pionLogger) Trace(msg string)                  { p.l.Trace().Msg(msg) }
func (p *pionLogger) Tracef(format string, args ...any) { p.l.Trace().Msg(fmt.Sprintf(format, args...)) }
func (p *pionLogger) Debug(msg string)                  { p.l.Trace().Msg(msg) }
func (p *pionLogger) Debugf(format string, args ...any) { p.l.Trace().Msg(fmt.Sprintf(format, args...)) }
func (p *pionLogger) Info(msg string)                   { p.l.Debug().Msg(msg) }
func (p *pionLogger) Infof(format string, args ...any)  { p.l.Debug().Msg(fmt.Sprintf(format, args...)) }
func (p *pionLogger) Warn(msg string)                   { p.l.Warn().Msg(msg) }
func (p *pionLogger) Warnf(format string, args ...any)  { p.l.Warn().Msg(fmt.Sprintf(format, args...)) }
func (p *pionLogger) Error(msg string)                  { p.l.Error().Msg(msg) }
func (p *pionLogger) Errorf(format string, args ...any) { p.l.Error().Msg(fmt.Sprintf(format, args...)) }
