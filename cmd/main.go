/*
Copyright 2024 Blnk Finance Authors.

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

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/steadyops/steady"
	"github.com/steadyops/steady/config"
	"github.com/steadyops/steady/database"
	"github.com/steadyops/steady/internal/notification"
)

// Steady represents the CLI application, encapsulating the root Cobra command.
type Steady struct {
	cmd *cobra.Command
}

// steadyInstance holds the controller instance and its configuration, shared
// by every subcommand through the persistent pre-run hook.
type steadyInstance struct {
	steady *steady.Steady
	cnf    *config.Configuration
}

// recoverPanic handles any panics during program execution and logs the error using Logrus.
func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and initializes the controller instance
// before any subcommand executes.
func preRun(app *steadyInstance) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig("steady.json")
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		newSteady, err := setupSteady(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.steady = newSteady
		app.cnf = cnf

		return nil
	}
}

// setupSteady wires the controller to its collaborators: the Postgres
// datasource, the Lambda alias traffic shifter, and the CloudWatch health
// signal source.
func setupSteady(cfg *config.Configuration) (*steady.Steady, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	shifter, err := steady.NewLambdaTrafficShifter(cfg.Aws)
	if err != nil {
		return nil, fmt.Errorf("error creating traffic shifter: %v", err)
	}

	health, err := steady.NewCloudWatchHealthSource(cfg.Aws)
	if err != nil {
		return nil, fmt.Errorf("error creating health source: %v", err)
	}

	newSteady, err := steady.NewSteady(db, shifter, health)
	if err != nil {
		return nil, fmt.Errorf("error creating steady: %v", err)
	}
	return newSteady, nil
}

// NewCLI creates the command-line interface for the controller. It sets up
// the root command and the server, workers, and migrate subcommands.
func NewCLI() *Steady {
	var configFile string
	b := &steadyInstance{}

	var rootCmd = &cobra.Command{
		Use:   "steady",
		Short: "Progressive delivery and recovery controller",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./steady.json", "Configuration file for the controller")

	rootCmd.PersistentPreRunE = preRun(b)

	rootCmd.AddCommand(serverCommands(b))
	rootCmd.AddCommand(workerCommands(b))
	rootCmd.AddCommand(migrateCommands(b))

	return &Steady{cmd: rootCmd}
}

func (w Steady) executeCLI() {
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
