package packages

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/carfigures/carfigures"
	"github.com/carfigures/carfigures/extension"
	"github.com/carfigures/carfigures/lang"
)

func (e *Env) info(ctx context.Context) ([]*extension.Command, error) {
	return []*extension.Command{
		{
			Name:        "status",
			Description: "Show cache and extension status.",
			F:           e.status,
		},
		{
			Name:        "about",
			Description: fmt.Sprintf("About %s.", e.Appearance.BotName),
			F: func(ctx context.Context, req *extension.Request) (string, error) {
				return fmt.Sprintf("%s spawns %s into channels.", e.Appearance.BotName, e.Appearance.CollectiblePlural), nil
			},
		},
	}, nil
}

func (e *Env) status(ctx context.Context, req *extension.Request) (string, error) {
	buf := &bytes.Buffer{}
	gen := e.Cache.Generation()
	if gen.Number == 0 {
		fmt.Fprintln(buf, "Cache: not built yet")
	} else {
		fmt.Fprintf(buf, "Cache: generation %d built %s, %s\n",
			gen.Number, gen.BuiltAt.Format(time.DateTime), lang.Count(gen.Len(), e.Appearance.CollectibleSingular))
	}
	count, found, err := e.Counter.EstimatedCount(ctx, "cars")
	if err != nil {
		return "", carfigures.WithStack(err)
	}
	if found {
		fmt.Fprintf(buf, "Database: about %s\n", lang.Count(int(count), e.Appearance.CollectibleSingular))
	} else {
		fmt.Fprintln(buf, "Database: row count unknown, run analyzedb")
	}
	names := []string{}
	for _, h := range e.Extensions.Loaded() {
		names = append(names, h.Name)
	}
	if len(names) == 0 {
		fmt.Fprint(buf, "Extensions: none")
	} else {
		fmt.Fprintf(buf, "Extensions: %s", lang.Enumerator{}.Do(names...))
	}
	return strings.TrimSpace(buf.String()), nil
}
