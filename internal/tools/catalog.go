package tools

import "log/slog"

// Catalog returns every browser tool in registration order
func Catalog() []Descriptor {
	var all []Descriptor
	for _, group := range [][]Descriptor{
		navigationTools(),
		interactionTools(),
		contentTools(),
		tabTools(),
		windowTools(),
		storageTools(),
		historyTools(),
	} {
		all = append(all, group...)
	}
	return all
}

// NewBrowserTable builds a table holding the whole catalog. A duplicate name
// in the catalog is a startup error.
func NewBrowserTable(hc HandlerContext, logger *slog.Logger) (*Table, error) {
	t := NewTable(hc, logger)
	if err := t.RegisterAll(Catalog()...); err != nil {
		return nil, err
	}
	return t, nil
}
