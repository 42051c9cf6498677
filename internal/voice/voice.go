package voice

import (
	"fmt"
	"sort"
)

// Default is used whenever a request does not name a voice.
const Default = "af_heart"

// Voice describes one entry of the closed synthesis voice set.
type Voice struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Accent string `json:"accent"`
	Gender string `json:"gender"`
}

var catalog = map[string]Voice{
	"af_heart":    {ID: "af_heart", Name: "Heart", Accent: "american", Gender: "female"},
	"af_bella":    {ID: "af_bella", Name: "Bella", Accent: "american", Gender: "female"},
	"af_nicole":   {ID: "af_nicole", Name: "Nicole", Accent: "american", Gender: "female"},
	"af_sarah":    {ID: "af_sarah", Name: "Sarah", Accent: "american", Gender: "female"},
	"af_sky":      {ID: "af_sky", Name: "Sky", Accent: "american", Gender: "female"},
	"am_adam":     {ID: "am_adam", Name: "Adam", Accent: "american", Gender: "male"},
	"am_michael":  {ID: "am_michael", Name: "Michael", Accent: "american", Gender: "male"},
	"bf_emma":     {ID: "bf_emma", Name: "Emma", Accent: "british", Gender: "female"},
	"bf_isabella": {ID: "bf_isabella", Name: "Isabella", Accent: "british", Gender: "female"},
	"bm_george":   {ID: "bm_george", Name: "George", Accent: "british", Gender: "male"},
	"bm_lewis":    {ID: "bm_lewis", Name: "Lewis", Accent: "british", Gender: "male"},
}

// Lookup returns the catalog entry for id.
func Lookup(id string) (Voice, bool) {
	v, ok := catalog[id]
	return v, ok
}

// Known reports whether id names a catalog voice.
func Known(id string) bool {
	_, ok := catalog[id]
	return ok
}

// Validate returns a descriptive error for ids outside the catalog.
func Validate(id string) error {
	if id == "" {
		return fmt.Errorf("voice is empty")
	}
	if !Known(id) {
		return fmt.Errorf("unknown voice %q", id)
	}
	return nil
}

// All returns the catalog sorted by id.
func All() []Voice {
	out := make([]Voice, 0, len(catalog))
	for _, v := range catalog {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
