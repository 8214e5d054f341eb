package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"slices"

	"github.com/Seednode/chatladder/ladder"
	"github.com/julienschmidt/httprouter"
	"gopkg.in/yaml.v3"
)

// Presets maps a preset name to a ready-made list of ladder results, e.g.
//
//	lunch: [꽝, 당첨, 꽝]
//	coffee: [아메리카노, 라떼, 꽝, 꽝]
type Presets map[string][]string

// loadPresets reads and validates a presets file. An empty path yields no presets.
func loadPresets(path string) (Presets, error) {
	if path == "" {
		return Presets{}, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read presets: %w", err)
	}

	return parsePresets(b)
}

func parsePresets(b []byte) (Presets, error) {
	var raw Presets
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse presets: %w", err)
	}

	var errs []error
	out := make(Presets, len(raw))
	for name, results := range raw {
		if name == "" {
			errs = append(errs, errors.New("preset with empty name"))
			continue
		}
		trimmed, err := ladder.ValidateResults(len(results), results)
		if err != nil {
			errs = append(errs, fmt.Errorf("preset %q: %w", name, err))
			continue
		}
		out[name] = trimmed
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	return out, nil
}

func (p Presets) names() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

type presetView struct {
	Name    string   `json:"name"`
	Results []string `json:"results"`
}

// list returns the presets in name order, for clients.
func (p Presets) list() []presetView {
	out := make([]presetView, 0, len(p))
	for _, name := range p.names() {
		out = append(out, presetView{Name: name, Results: p[name]})
	}
	return out
}

func servePresets(cfg *Config, presets Presets, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		securityHeaders(cfg, w)

		if err := json.NewEncoder(w).Encode(presets.list()); err != nil {
			errs <- err

			return
		}
	}
}
