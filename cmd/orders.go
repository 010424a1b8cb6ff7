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
	"log"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/giftfleet/giftfleet/model"
)

// orderCommands is the operator surface for orders: create, verify payment,
// inspect, retry, cancel, plus the catalog resync and queue statistics.
func orderCommands(b *fleetInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "manage gift orders",
	}

	var reference, recipientID, recipientName, itemQuery, amount string
	create := &cobra.Command{
		Use:   "create",
		Short: "record a new order awaiting payment",
		Run: func(cmd *cobra.Command, args []string) {
			amt, err := decimal.NewFromString(amount)
			if err != nil {
				log.Fatal(err)
			}
			order, err := b.fleet.CreateOrder(context.Background(), model.NewOrder{
				Reference:     reference,
				RecipientID:   recipientID,
				RecipientName: recipientName,
				ItemQuery:     itemQuery,
				Amount:        amt,
			})
			if err != nil {
				log.Fatal(err)
			}
			printJSON(order)
		},
	}
	create.Flags().StringVar(&reference, "reference", "", "storefront order reference")
	create.Flags().StringVar(&recipientID, "recipient", "", "recipient platform id")
	create.Flags().StringVar(&recipientName, "recipient-name", "", "recipient display name")
	create.Flags().StringVar(&itemQuery, "item", "", "item id or display name")
	create.Flags().StringVar(&amount, "amount", "0", "order amount")

	verify := &cobra.Command{
		Use:   "verify-payment <order-id>",
		Short: "confirm payment and enter the order into the pipeline",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			order, err := b.fleet.VerifyPayment(context.Background(), args[0])
			if err != nil {
				log.Fatal(err)
			}
			printJSON(order)
		},
	}

	get := &cobra.Command{
		Use:   "get <order-id>",
		Short: "show the full operator view of an order",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			order, err := b.fleet.GetOrder(context.Background(), args[0])
			if err != nil {
				log.Fatal(err)
			}
			printJSON(order)
		},
	}

	status := &cobra.Command{
		Use:   "status <reference>",
		Short: "show the customer-facing status projection",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			view, err := b.fleet.GetOrderStatus(context.Background(), args[0])
			if err != nil {
				log.Fatal(err)
			}
			printJSON(view)
		},
	}

	retry := &cobra.Command{
		Use:   "retry <order-id>",
		Short: "re-enter a failed order into the pipeline",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := b.fleet.RetryOrder(context.Background(), args[0]); err != nil {
				log.Fatal(err)
			}
			log.Println(" [*] Order re-queued", args[0])
		},
	}

	cancel := &cobra.Command{
		Use:   "cancel <order-id>",
		Short: "cancel an order that has not started processing",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := b.fleet.CancelOrder(context.Background(), args[0]); err != nil {
				log.Fatal(err)
			}
			log.Println(" [*] Order cancelled", args[0])
		},
	}

	cont := &cobra.Command{
		Use:   "continue <order-id>",
		Short: "re-enqueue an in-flight order at its next pending stage",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := b.fleet.ContinueOrder(context.Background(), args[0]); err != nil {
				log.Fatal(err)
			}
			log.Println(" [*] Order continued", args[0])
		},
	}

	resync := &cobra.Command{
		Use:   "resync-catalog",
		Short: "force a catalog refresh",
		Run: func(cmd *cobra.Command, args []string) {
			if err := b.fleet.Catalog().Refresh(context.Background()); err != nil {
				log.Fatal(err)
			}
			log.Println(" [*] Catalog refreshed")
		},
	}

	queueStats := &cobra.Command{
		Use:   "queue-stats",
		Short: "show pipeline queue depths",
		Run: func(cmd *cobra.Command, args []string) {
			stats, err := b.fleet.Queue().Stats()
			if err != nil {
				log.Fatal(err)
			}
			printJSON(stats)
		},
	}

	cmd.AddCommand(create, verify, get, status, retry, cancel, cont, resync, queueStats)
	return cmd
}
