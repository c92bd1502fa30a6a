package service

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/septivank/meter-verification-worker/internal/db"
	"github.com/septivank/meter-verification-worker/internal/repository"
)

// MeterFilter narrows a meter view. Zero values do not filter.
type MeterFilter struct {
	SourceFile    string
	Destinations  []db.Destination
	Place         string
	UncheckedOnly bool
	SelectedOnly  bool
}

func (f MeterFilter) match(m db.MeterRecord, destination db.Destination) bool {
	if f.SourceFile != "" && m.SourceFile != f.SourceFile {
		return false
	}
	if f.Place != "" && m.Place != f.Place {
		return false
	}
	if f.UncheckedOnly && m.IsChecked {
		return false
	}
	if f.SelectedOnly && !m.IsSelectedForProcessing {
		return false
	}
	if len(f.Destinations) > 0 {
		for _, d := range f.Destinations {
			if d == destination {
				return true
			}
		}
		return false
	}
	return true
}

// FileSummary is a file record joined with its verification progress
type FileSummary struct {
	db.FileRecord
	Checked  int
	Selected int
}

// Views computes filtered meter lists on demand from the store. Nothing is
// cached between calls.
type Views struct {
	store repository.Store
}

// NewViews creates views over store
func NewViews(store repository.Store) *Views {
	return &Views{store: store}
}

// Meters returns the meters matching filter in file then row order
func (v *Views) Meters(ctx context.Context, filter MeterFilter) ([]db.MeterRecord, error) {
	var all []db.MeterRecord
	var err error
	if filter.SourceFile != "" {
		all, err = v.store.ListByFile(ctx, filter.SourceFile)
	} else {
		all, err = v.store.ListAll(ctx)
	}
	if err != nil {
		return nil, eris.Wrap(err, "list meters")
	}

	destinations := map[string]db.Destination{}
	if len(filter.Destinations) > 0 {
		files, err := v.store.ListFiles(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "list files")
		}
		for _, f := range files {
			destinations[f.FileName] = f.Destination
		}
	}

	var out []db.MeterRecord
	for _, m := range all {
		if filter.match(m, destinations[m.SourceFile]) {
			out = append(out, m)
		}
	}
	return out, nil
}

// Files lists every file, newest first, with checked and selected counts
func (v *Views) Files(ctx context.Context) ([]FileSummary, error) {
	files, err := v.store.ListFiles(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "list files")
	}
	meters, err := v.store.ListAll(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "list meters")
	}

	type counts struct{ checked, selected int }
	byFile := make(map[string]counts, len(files))
	for _, m := range meters {
		c := byFile[m.SourceFile]
		if m.IsChecked {
			c.checked++
		}
		if m.IsSelectedForProcessing {
			c.selected++
		}
		byFile[m.SourceFile] = c
	}

	out := make([]FileSummary, 0, len(files))
	for _, f := range files {
		c := byFile[f.FileName]
		out = append(out, FileSummary{FileRecord: f, Checked: c.checked, Selected: c.selected})
	}
	return out, nil
}

// SetSelected sets the processing selection flag of one meter
func (v *Views) SetSelected(ctx context.Context, serial, sourceFile string, selected bool) error {
	return eris.Wrapf(v.store.SetSelected(ctx, serial, sourceFile, selected), "set selected %s/%s", serial, sourceFile)
}

// Locations lists the registered place names
func (v *Views) Locations(ctx context.Context) ([]db.Location, error) {
	locations, err := v.store.ListLocations(ctx)
	return locations, eris.Wrap(err, "list locations")
}
