package handlers

import (
	"context"

	"github.com/airenas/go-app/pkg/goapp"
)

// Handler transforms recognized text
type Handler interface {
	Process(context.Context, string) (string, error)
}

// ListHandler passes text through a chain of handlers. A failing handler is
// skipped and the previous text is kept.
type ListHandler struct {
	handlers []Handler
}

func NewListHandler(handlers ...Handler) *ListHandler {
	res := &ListHandler{}
	for _, h := range handlers {
		res.Add(h)
	}
	return res
}

func (sp *ListHandler) Process(ctx context.Context, data string) (string, error) {
	res := data
	for i, h := range sp.handlers {
		goapp.Log.Trace().Int("handler", i).Msg("Processing")
		if dataNew, err := h.Process(ctx, res); err != nil {
			goapp.Log.Error().Err(err).Int("handler", i).Msg("Can't process")
		} else {
			res = dataNew
		}
	}
	return res, nil
}

// Add appends a handler, nil values are ignored
func (sp *ListHandler) Add(h Handler) {
	if h == nil {
		return
	}
	sp.handlers = append(sp.handlers, h)
}

func (sp *ListHandler) Len() int {
	return len(sp.handlers)
}
