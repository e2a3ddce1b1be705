package app

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"basket/pkg/basket"
)

func addOwnerFlag(cmd *cobra.Command, opts *options) {
	cmd.Flags().StringVar(&opts.owner, "owner", "", "Session owner whose basket to use; empty selects the shared basket")
}

func newShowCommand(opts *options, logger *zap.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print a persisted basket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd, opts, logger)
			if err != nil {
				return err
			}
			defer e.close()
			printBasket(cmd.OutOrStdout(), e.store.Load(cmd.Context(), opts.owner), e.cfg)
			return nil
		},
	}
	addOwnerFlag(cmd, opts)
	return cmd
}

func newAddCommand(opts *options, logger *zap.Logger) *cobra.Command {
	var item basket.LineItem
	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Append an item to a basket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd, opts, logger)
			if err != nil {
				return err
			}
			defer e.close()
			item.Name = args[0]
			stored, err := e.store.Add(cmd.Context(), opts.owner, item)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s (%s)\n", stored.Label(), stored.LineID)
			return nil
		},
	}
	cmd.Flags().StringVar(&item.ProductID, "id", "", "Product identifier")
	cmd.Flags().StringVar(&item.Color, "color", "", "Chosen color")
	cmd.Flags().StringVar(&item.Description, "description", "", "Personalization note")
	cmd.Flags().Float64Var(&item.Price, "price", 0, "Unit price")
	addOwnerFlag(cmd, opts)
	return cmd
}

func newRemoveCommand(opts *options, logger *zap.Logger) *cobra.Command {
	var version string
	cmd := &cobra.Command{
		Use:   "remove INDEX",
		Short: "Remove the item at INDEX from a basket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("index %q is not a number", args[0])
			}
			e, err := setup(cmd, opts, logger)
			if err != nil {
				return err
			}
			defer e.close()
			removed, err := e.store.RemoveAt(cmd.Context(), opts.owner, index, version)
			if errors.Is(err, basket.ErrStaleSnapshot) {
				return fmt.Errorf("%w; run show again for the current version", err)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", removed.Label())
			return nil
		},
	}
	cmd.Flags().StringVar(&version, "version", "", "Only remove if the basket still has this version")
	addOwnerFlag(cmd, opts)
	return cmd
}

func newClearCommand(opts *options, logger *zap.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Empty a basket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd, opts, logger)
			if err != nil {
				return err
			}
			defer e.close()
			if err := e.store.Clear(cmd.Context(), opts.owner); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "basket cleared")
			return nil
		},
	}
	addOwnerFlag(cmd, opts)
	return cmd
}
