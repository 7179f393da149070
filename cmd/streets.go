package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/street-directory/internal/model"
)

var streetsCmd = &cobra.Command{
	Use:   "streets",
	Short: "Inspect and maintain streets",
}

var streetsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List streets, optionally of one postal code",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initDirectory(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		var streets []model.Street
		if code, _ := cmd.Flags().GetString("postalcode"); code != "" {
			streets, err = env.Streets.GetByPostalcode(ctx, code)
			if err != nil {
				return eris.Wrapf(err, "streets list %s", code)
			}
		} else {
			streets, err = env.Streets.GetAll(ctx)
			if err != nil {
				return eris.Wrap(err, "streets list")
			}
		}

		if len(streets) == 0 {
			fmt.Fprintln(os.Stderr, "No streets found.")
			return nil
		}
		formatStreets(os.Stdout, streets)
		return nil
	},
}

var streetsDeleteCmd = &cobra.Command{
	Use:   "delete <postal-code> <street-name>",
	Short: "Delete one street",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initDirectory(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		street, err := findStreet(cmd, env, args[0], args[1])
		if err != nil {
			return err
		}
		if err := env.Streets.Delete(ctx, street.ID); err != nil {
			return eris.Wrapf(err, "streets delete %s %q", args[0], args[1])
		}
		fmt.Fprintf(os.Stdout, "deleted %s in %s\n", street.Streetname, street.Postalcode)
		return nil
	},
}

var streetsDeleteAllCmd = &cobra.Command{
	Use:   "delete-all",
	Short: "Delete every street, keeping postal codes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return eris.New("refusing to delete everything without --yes")
		}
		ctx := cmd.Context()

		env, err := initDirectory(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Streets.DeleteAll(ctx)
		if err != nil {
			return eris.Wrap(err, "streets delete-all")
		}
		fmt.Fprintf(os.Stdout, "deleted %d streets\n", n)
		return nil
	},
}

var streetsGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one street by ID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return eris.Wrapf(err, "invalid street id %q", args[0])
		}
		ctx := cmd.Context()

		env, err := initDirectory(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		street, err := env.Streets.Get(ctx, id)
		if err != nil {
			return eris.Wrapf(err, "streets get %s", args[0])
		}
		formatStreets(os.Stdout, []model.Street{*street})
		return nil
	},
}

var streetsAddCmd = &cobra.Command{
	Use:   "add <postal-code> <street-name>",
	Short: "Add a street to an existing postal code",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		center, _ := cmd.Flags().GetString("center")
		lat, lon, err := parseCenter(center)
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		env, err := initDirectory(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		pc, err := env.Postalcodes.GetByCode(ctx, args[0])
		if err != nil {
			return eris.Wrapf(err, "streets add %s", args[0])
		}
		added, err := env.Streets.Add(ctx, model.Street{
			PostalcodeID:    pc.ID,
			Postalcode:      pc.Code,
			Streetname:      args[1],
			CenterLatitude:  lat,
			CenterLongitude: lon,
		})
		if err != nil {
			return eris.Wrapf(err, "streets add %s %q", args[0], args[1])
		}
		formatStreets(os.Stdout, []model.Street{*added})
		return nil
	},
}

var streetsUpdateCmd = &cobra.Command{
	Use:   "update <postal-code> <street-name>",
	Short: "Move the center of a street",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		center, _ := cmd.Flags().GetString("center")
		lat, lon, err := parseCenter(center)
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		env, err := initDirectory(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		street, err := findStreet(cmd, env, args[0], args[1])
		if err != nil {
			return err
		}
		street.CenterLatitude, street.CenterLongitude = lat, lon
		street.Geometry = nil
		updated, err := env.Streets.Update(ctx, street.ID, *street)
		if err != nil {
			return eris.Wrapf(err, "streets update %s %q", args[0], args[1])
		}
		formatStreets(os.Stdout, []model.Street{*updated})
		return nil
	},
}

// findStreet looks a street up by postal code and name.
func findStreet(cmd *cobra.Command, env *directoryEnv, code, name string) (*model.Street, error) {
	ctx := cmd.Context()
	pc, err := env.Postalcodes.GetByCode(ctx, code)
	if err != nil {
		return nil, eris.Wrapf(err, "postal code %s", code)
	}
	street, err := env.Streets.GetByKey(ctx, model.StreetKey{PostalcodeID: pc.ID, Streetname: name})
	if err != nil {
		return nil, eris.Wrapf(err, "street %q in %s", name, code)
	}
	return street, nil
}

func formatStreets(out io.Writer, streets []model.Street) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "POSTALCODE\tSTREET\tCENTER\tUPDATED")
	_, _ = fmt.Fprintln(w, "----------\t------\t------\t-------")

	for _, s := range streets {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			s.Postalcode,
			s.Streetname,
			formatCenter(s.CenterLatitude, s.CenterLongitude),
			s.UpdatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

func init() {
	streetsListCmd.Flags().String("postalcode", "", "only list streets of this postal code")
	streetsDeleteAllCmd.Flags().Bool("yes", false, "confirm deleting all streets")
	streetsAddCmd.Flags().String("center", "", "center as lat,lon")
	streetsUpdateCmd.Flags().String("center", "", "center as lat,lon; empty clears it")
	streetsCmd.AddCommand(
		streetsListCmd,
		streetsGetCmd,
		streetsAddCmd,
		streetsUpdateCmd,
		streetsDeleteCmd,
		streetsDeleteAllCmd,
	)
	rootCmd.AddCommand(streetsCmd)
}
