package strategy

import (
	"sort"

	"github.com/yanun0323/errors"

	"optrader/pkg/exception"
)

// Factory builds a strategy instance.
type Factory func(id string, settings Settings) (Strategy, error)

var registry = map[string]Factory{
	KindBreakout: NewBreakout,
}

// New builds a strategy of the given kind.
func New(kind, id string, settings Settings) (Strategy, error) {
	factory, ok := registry[kind]
	if !ok {
		return nil, errors.Wrapf(exception.ErrUnknownStrategy, "kind %q", kind)
	}
	s, err := factory(id, settings)
	if err != nil {
		return nil, errors.Wrapf(err, "build %s strategy %s", kind, id)
	}
	return s, nil
}

// Kinds lists the registered strategy kinds.
func Kinds() []string {
	out := make([]string, 0, len(registry))
	for kind := range registry {
		out = append(out, kind)
	}
	sort.Strings(out)
	return out
}
