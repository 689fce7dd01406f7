package packages

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/carfigures/carfigures/extension"
	"github.com/carfigures/carfigures/lang"
	"github.com/rodaine/table"
)

func (e *Env) cars(ctx context.Context) ([]*extension.Command, error) {
	return []*extension.Command{
		{
			Name:        "cars",
			Description: fmt.Sprintf("List the %s that can spawn.", e.Appearance.CollectiblePlural),
			F:           e.listCars,
		},
		{
			Name:        "car",
			Description: fmt.Sprintf("Show one %s by full name.", e.Appearance.CollectibleSingular),
			F:           e.showCar,
		},
	}, nil
}

func (e *Env) listCars(ctx context.Context, req *extension.Request) (string, error) {
	buf := &bytes.Buffer{}
	t := table.New("ID", "Name", "Full name", "Rarity").WithWriter(buf)
	rows := 0
	for _, car := range e.Cache.All() {
		if car.Spawnable() {
			t.AddRow(car.ID, car.Name, car.String(), car.Rarity)
			rows++
		}
	}
	if rows == 0 {
		return fmt.Sprintf("No %s can spawn.", e.Appearance.CollectiblePlural), nil
	}
	t.Print()
	return strings.TrimRight(buf.String(), "\n"), nil
}

func (e *Env) showCar(ctx context.Context, req *extension.Request) (string, error) {
	name := strings.Join(req.Args, " ")
	if name == "" {
		return "usage: car <full name>", nil
	}
	for _, car := range e.Cache.All() {
		if car.Matches(name) {
			state := "enabled"
			if !car.Enabled {
				state = "disabled"
			}
			return fmt.Sprintf("%s (#%d, %s)\nRarity %v, %s, added %s",
				car.String(), car.ID, car.Name, car.Rarity, state, car.CreatedAt().Format("2006-01-02")), nil
		}
	}
	return fmt.Sprintf("No such %s exists.", lang.Singular(e.Appearance.CollectibleSingular)), nil
}
