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
	"context"
	"encoding/json"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/giftfleet/giftfleet/model"
)

func printJSON(v interface{}) {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		log.Fatal(err)
	}
}

// accountCommands is the operator surface for the bot pool: register, login,
// logout, credential rotation, deactivation and fleet statistics.
func accountCommands(b *fleetInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "manage bot accounts",
	}

	var displayName, credentials string
	var dailyQuota, priority int
	create := &cobra.Command{
		Use:   "create",
		Short: "register a new bot account",
		Run: func(cmd *cobra.Command, args []string) {
			account, err := b.fleet.Pool().RegisterAccount(context.Background(), model.NewAccount{
				DisplayName: displayName,
				Credentials: credentials,
				DailyQuota:  dailyQuota,
				Priority:    priority,
			})
			if err != nil {
				log.Fatal(err)
			}
			printJSON(account)
		},
	}
	create.Flags().StringVar(&displayName, "name", "", "display name for the bot account")
	create.Flags().StringVar(&credentials, "credentials", "", "credential bundle (encrypted at rest)")
	create.Flags().IntVar(&dailyQuota, "quota", 0, "daily gift quota (capped at the platform limit)")
	create.Flags().IntVar(&priority, "priority", 0, "selection priority")

	login := &cobra.Command{
		Use:   "login <account-id>",
		Short: "bring a bot account online",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if _, err := b.fleet.Pool().Acquire(context.Background(), args[0]); err != nil {
				log.Fatal(err)
			}
			log.Println(" [*] Account online", args[0])
		},
	}

	logout := &cobra.Command{
		Use:   "logout <account-id>",
		Short: "drop a bot account's session",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			b.fleet.Pool().Invalidate(args[0])
			log.Println(" [*] Account session dropped", args[0])
		},
	}

	restart := &cobra.Command{
		Use:   "restart <account-id>",
		Short: "drop and re-mint a bot account's session",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			b.fleet.Pool().Invalidate(args[0])
			if _, err := b.fleet.Pool().Acquire(context.Background(), args[0]); err != nil {
				log.Fatal(err)
			}
			log.Println(" [*] Account session restarted", args[0])
		},
	}

	var newCredentials string
	updateCreds := &cobra.Command{
		Use:   "update-credentials <account-id>",
		Short: "replace a bot account's credential bundle",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := b.fleet.Pool().UpdateCredentials(context.Background(), args[0], newCredentials); err != nil {
				log.Fatal(err)
			}
			log.Println(" [*] Credentials updated", args[0])
		},
	}
	updateCreds.Flags().StringVar(&newCredentials, "credentials", "", "new credential bundle")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "show fleet pool statistics",
		Run: func(cmd *cobra.Command, args []string) {
			poolStats, err := b.fleet.Pool().Stats(context.Background())
			if err != nil {
				log.Fatal(err)
			}
			printJSON(poolStats)
		},
	}

	reconcile := &cobra.Command{
		Use:   "reconcile-friends",
		Short: "reconcile stored relationships against platform friend lists",
		Run: func(cmd *cobra.Command, args []string) {
			if err := b.fleet.ReconcileFriends(context.Background()); err != nil {
				log.Fatal(err)
			}
			log.Println(" [*] Friend lists reconciled")
		},
	}

	cmd.AddCommand(create, login, logout, restart, updateCreds, stats, reconcile)
	return cmd
}
