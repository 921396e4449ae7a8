package main

import (
	"fmt"
	"time"

	"github.com/rpattn/journaled/internal/domain"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// locatorFlags binds the typed locator flags. Exactly one may be set.
type locatorFlags struct {
	version float64
	at      string
	tag     string
	entry   string
}

func (f *locatorFlags) register(cmd *cobra.Command) {
	cmd.Flags().Float64Var(&f.version, "version", 0, "journal version number")
	cmd.Flags().StringVar(&f.at, "at", "", "latest version at or before an RFC3339 timestamp")
	cmd.Flags().StringVar(&f.tag, "tag", "", "named version such as initial or latest")
	cmd.Flags().StringVar(&f.entry, "entry", "", "journal entry id")
}

// locator builds the locator from the flags that were set on cmd. With no
// flag set it falls back to the given tag.
func (f *locatorFlags) locator(cmd *cobra.Command, fallback string) (domain.Locator, error) {
	var spec domain.LocatorSpec
	if cmd.Flags().Changed("version") {
		v := f.version
		spec.Version = &v
	}
	if f.at != "" {
		at, err := time.Parse(time.RFC3339Nano, f.at)
		if err != nil {
			return nil, fmt.Errorf("%w: --at must be RFC3339: %v", domain.ErrValidation, err)
		}
		spec.At = &at
	}
	spec.Tag = f.tag
	if f.entry != "" {
		id, err := uuid.Parse(f.entry)
		if err != nil {
			return nil, fmt.Errorf("%w: --entry must be a uuid: %v", domain.ErrValidation, err)
		}
		spec.Entry = &id
	}
	if spec == (domain.LocatorSpec{}) && fallback != "" {
		return domain.TagLocator{Name: fallback}, nil
	}
	return spec.Locator()
}

func parseRef(value string) (domain.EntityRef, error) {
	return domain.ParseEntityRef(value)
}

func parseActor(value string) (domain.Actor, error) {
	if value == "" {
		return domain.Anonymous(), nil
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return domain.Actor{}, fmt.Errorf("%w: --actor must be a uuid: %v", domain.ErrValidation, err)
	}
	return domain.ActorFromID(id), nil
}
