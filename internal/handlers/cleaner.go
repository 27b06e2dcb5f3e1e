package handlers

import (
	"context"
	"strings"

	"github.com/airenas/go-app/pkg/goapp"
)

// Cleaner normalizes whitespace of recognized text
type Cleaner struct {
}

// NewCleaner creates a text cleaner
func NewCleaner() *Cleaner {
	goapp.Log.Info().Msg("Cleaner")
	return &Cleaner{}
}

func (sp *Cleaner) Process(_ context.Context, text string) (string, error) {
	text = strings.ReplaceAll(text, "_", " ")
	return strings.Join(strings.Fields(text), " "), nil
}
