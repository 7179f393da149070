package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/street-directory/internal/model"
)

var postalcodesCmd = &cobra.Command{
	Use:   "postalcodes",
	Short: "Inspect and maintain postal codes",
}

var postalcodesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all postal codes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initDirectory(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		pcs, err := env.Postalcodes.GetAll(ctx)
		if err != nil {
			return eris.Wrap(err, "postalcodes list")
		}
		if len(pcs) == 0 {
			fmt.Fprintln(os.Stderr, "No postal codes found.")
			return nil
		}

		formatPostalcodes(os.Stdout, pcs)
		return nil
	},
}

var postalcodesGetCmd = &cobra.Command{
	Use:   "get <code|id>",
	Short: "Show a postal code and its streets",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initDirectory(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		var pc *model.Postalcode
		if id, perr := uuid.Parse(args[0]); perr == nil {
			pc, err = env.Postalcodes.Get(ctx, id)
		} else {
			pc, err = env.Postalcodes.GetByCode(ctx, args[0])
		}
		if err != nil {
			return eris.Wrapf(err, "postalcodes get %s", args[0])
		}
		streets, err := env.Streets.GetByPostalcode(ctx, pc.Code)
		if err != nil {
			return eris.Wrapf(err, "postalcodes get %s: streets", args[0])
		}

		formatPostalcodes(os.Stdout, []model.Postalcode{*pc})
		fmt.Fprintln(os.Stdout)
		formatStreets(os.Stdout, streets)
		return nil
	},
}

var postalcodesDeleteCmd = &cobra.Command{
	Use:   "delete <code>",
	Short: "Delete a postal code and its streets",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initDirectory(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		pc, err := env.Postalcodes.GetByCode(ctx, args[0])
		if err != nil {
			return eris.Wrapf(err, "postalcodes delete %s", args[0])
		}
		if err := env.Postalcodes.Delete(ctx, pc.ID); err != nil {
			return eris.Wrapf(err, "postalcodes delete %s", args[0])
		}
		fmt.Fprintf(os.Stdout, "deleted postal code %s\n", pc.Code)
		return nil
	},
}

var postalcodesDeleteAllCmd = &cobra.Command{
	Use:   "delete-all",
	Short: "Delete every postal code and street",
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

		n, err := env.Postalcodes.DeleteAll(ctx)
		if err != nil {
			return eris.Wrap(err, "postalcodes delete-all")
		}
		fmt.Fprintf(os.Stdout, "deleted %d postal codes\n", n)
		return nil
	},
}

var postalcodesAddCmd = &cobra.Command{
	Use:   "add <code>",
	Short: "Add a postal code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pc := model.Postalcode{Code: args[0]}
		if err := applyPostalcodeFlags(cmd, &pc); err != nil {
			return err
		}
		ctx := cmd.Context()

		env, err := initDirectory(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		added, err := env.Postalcodes.Add(ctx, pc)
		if err != nil {
			return eris.Wrapf(err, "postalcodes add %s", args[0])
		}
		formatPostalcodes(os.Stdout, []model.Postalcode{*added})
		return nil
	},
}

var postalcodesUpdateCmd = &cobra.Command{
	Use:   "update <code>",
	Short: "Change the note or center of a postal code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initDirectory(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		pc, err := env.Postalcodes.GetByCode(ctx, args[0])
		if err != nil {
			return eris.Wrapf(err, "postalcodes update %s", args[0])
		}
		if err := applyPostalcodeFlags(cmd, pc); err != nil {
			return err
		}
		updated, err := env.Postalcodes.Update(ctx, pc.ID, *pc)
		if err != nil {
			return eris.Wrapf(err, "postalcodes update %s", args[0])
		}
		formatPostalcodes(os.Stdout, []model.Postalcode{*updated})
		return nil
	},
}

// applyPostalcodeFlags copies the --note and --center flags that were set
// onto pc.
func applyPostalcodeFlags(cmd *cobra.Command, pc *model.Postalcode) error {
	if cmd.Flags().Changed("note") {
		note, _ := cmd.Flags().GetString("note")
		pc.Note = nil
		if note != "" {
			pc.Note = &note
		}
	}
	if cmd.Flags().Changed("center") {
		center, _ := cmd.Flags().GetString("center")
		lat, lon, err := parseCenter(center)
		if err != nil {
			return err
		}
		pc.CenterLatitude, pc.CenterLongitude = lat, lon
	}
	return nil
}

func formatPostalcodes(out io.Writer, pcs []model.Postalcode) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CODE\tCENTER\tNOTE\tSTREETS_EXTRACTED")
	_, _ = fmt.Fprintln(w, "----\t------\t----\t-----------------")

	for _, p := range pcs {
		note := ""
		if p.Note != nil {
			note = *p.Note
		}
		extracted := "never"
		if p.LastStreetExtractionOn != nil {
			extracted = p.LastStreetExtractionOn.Format("2006-01-02 15:04")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			p.Code,
			formatCenter(p.CenterLatitude, p.CenterLongitude),
			note,
			extracted,
		)
	}
	_ = w.Flush()
}

func formatCenter(lat, lon *float64) string {
	if lat == nil || lon == nil {
		return "-"
	}
	return strconv.FormatFloat(*lat, 'f', 5, 64) + "," + strconv.FormatFloat(*lon, 'f', 5, 64)
}

// parseCenter parses "lat,lon". An empty value clears the center.
func parseCenter(value string) (lat, lon *float64, err error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil, nil
	}
	parts := strings.Split(value, ",")
	if len(parts) != 2 {
		return nil, nil, eris.Errorf("invalid center %q: want lat,lon", value)
	}
	la, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil || la < -90 || la > 90 {
		return nil, nil, eris.Errorf("invalid center latitude %q", parts[0])
	}
	lo, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil || lo < -180 || lo > 180 {
		return nil, nil, eris.Errorf("invalid center longitude %q", parts[1])
	}
	return &la, &lo, nil
}

func init() {
	for _, c := range []*cobra.Command{postalcodesAddCmd, postalcodesUpdateCmd} {
		c.Flags().String("note", "", "free-text note")
		c.Flags().String("center", "", "center as lat,lon")
	}
	postalcodesDeleteAllCmd.Flags().Bool("yes", false, "confirm deleting all postal codes")
	postalcodesCmd.AddCommand(
		postalcodesListCmd,
		postalcodesGetCmd,
		postalcodesAddCmd,
		postalcodesUpdateCmd,
		postalcodesDeleteCmd,
		postalcodesDeleteAllCmd,
	)
	rootCmd.AddCommand(postalcodesCmd)
}
