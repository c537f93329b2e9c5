package services

import (
	"sync"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/pkg/errors"

	"go.uber.org/zap"
)

// ObserverGroup fans notifications out to every registered observer
type ObserverGroup struct {
	mu        sync.RWMutex
	observers []ports.Observer
}

func NewObserverGroup(observers ...ports.Observer) *ObserverGroup {
	return &ObserverGroup{observers: observers}
}

func (g *ObserverGroup) Add(o ports.Observer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.observers = append(g.observers, o)
}

func (g *ObserverGroup) snapshot() []ports.Observer {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]ports.Observer, len(g.observers))
	copy(out, g.observers)
	return out
}

func (g *ObserverGroup) OnRosterChanged(roster []domain.StreamInfo) {
	for _, o := range g.snapshot() {
		// each observer gets its own copy
		cp := make([]domain.StreamInfo, len(roster))
		copy(cp, roster)
		o.OnRosterChanged(cp)
	}
}

func (g *ObserverGroup) OnToggleStateChanged(state domain.ToggleState) {
	for _, o := range g.snapshot() {
		o.OnToggleStateChanged(state)
	}
}

func (g *ObserverGroup) OnCondition(cond *errors.AppError) {
	for _, o := range g.snapshot() {
		o.OnCondition(cond)
	}
}

// LoggingObserver writes every notification to the log
type LoggingObserver struct {
	logger *zap.SugaredLogger
}

func NewLoggingObserver(logger *zap.SugaredLogger) *LoggingObserver {
	return &LoggingObserver{logger: logger}
}

func (o *LoggingObserver) OnRosterChanged(roster []domain.StreamInfo) {
	ids := make([]string, 0, len(roster))
	for _, s := range roster {
		ids = append(ids, string(s.StreamID))
	}
	o.logger.Debugw("Roster changed", "size", len(roster), "streams", ids)
}

func (o *LoggingObserver) OnToggleStateChanged(state domain.ToggleState) {
	o.logger.Debugw("Toggle state changed",
		"video", state.ShareVideo,
		"audio", state.ShareAudio,
		"screen", state.ShareScreen,
	)
}

func (o *LoggingObserver) OnCondition(cond *errors.AppError) {
	o.logger.Warnw("Call condition",
		"code", string(cond.Code),
		"stage", cond.Stage,
		"reason", cond.Reason,
		"context", cond.Context,
	)
}
