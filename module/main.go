// Package main provides the fiducial tracker as an rdk module
package main

import (
	"context"

	"github.com/edaniels/golog"
	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/module"
	"go.viam.com/utils"

	fiducialtracker "github.com/viamrobotics/viam-fiducial-tracker"
)

func main() {
	utils.ContextualMain(mainWithArgs, golog.NewLogger("fiducialTrackerModule"))
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	// Instantiate the module
	trackerModule, err := module.NewModuleFromArgs(ctx, logger)
	if err != nil {
		return err
	}

	// Add model to the module
	if err = trackerModule.AddModelFromRegistry(ctx, generic.Subtype, fiducialtracker.Model); err != nil {
		return err
	}

	// Start the module
	if err = trackerModule.Start(ctx); err != nil {
		return err
	}
	defer trackerModule.Close(ctx)
	<-ctx.Done()
	return nil
}
