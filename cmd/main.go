/*
Copyright 2024 Giftfleet Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"fmt"
	"log"
	"os"

	"github.com/giftfleet/giftfleet"
	"github.com/giftfleet/giftfleet/config"
	"github.com/giftfleet/giftfleet/database"
	"github.com/giftfleet/giftfleet/internal/notification"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Giftfleet represents the CLI application, encapsulating the root Cobra command.
type Giftfleet struct {
	cmd *cobra.Command
}

// fleetInstance holds the Giftfleet instance and its configuration, shared by
// all subcommands after preRun.
type fleetInstance struct {
	fleet *giftfleet.Giftfleet
	cnf   *config.Configuration
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun sets up the configuration and initializes the Giftfleet instance
// before running any command.
func preRun(app *fleetInstance) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig("giftfleet.json")
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		newFleet, err := setupFleet(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.fleet = newFleet
		app.cnf = cnf

		return nil
	}
}

// setupFleet creates and initializes a new Giftfleet instance based on the
// provided configuration.
func setupFleet(cfg *config.Configuration) (*giftfleet.Giftfleet, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	newFleet, err := giftfleet.NewGiftfleet(db, giftfleet.NewPlatformSessionFactory())
	if err != nil {
		return nil, fmt.Errorf("error creating giftfleet: %v", err)
	}
	return newFleet, nil
}

// NewCLI creates the command-line interface for the giftfleet application.
func NewCLI() *Giftfleet {
	var configFile string
	b := &fleetInstance{}

	var rootCmd = &cobra.Command{
		Use:   "giftfleet",
		Short: "Bot fleet gift fulfillment pipeline",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./giftfleet.json", "Configuration file for giftfleet")

	rootCmd.PersistentPreRunE = preRun(b)

	rootCmd.AddCommand(workerCommands(b))
	rootCmd.AddCommand(accountCommands(b))
	rootCmd.AddCommand(orderCommands(b))

	return &Giftfleet{cmd: rootCmd}
}

func (w Giftfleet) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
