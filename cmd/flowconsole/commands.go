package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/tcmartin/flowconsole/pkg/api"
	"github.com/tcmartin/flowconsole/pkg/engine"
	"github.com/tcmartin/flowconsole/pkg/models"
	"github.com/tcmartin/flowconsole/pkg/scheduler"
)

// clientRunE adapts a client command body to cobra
func clientRunE(fn func(cmd *cobra.Command, c *apiClient, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		return fn(cmd, c, args)
	}
}

func newLoginCmd() *cobra.Command {
	var username, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in to the console and save the token",
		Args:  cobra.NoArgs,
		RunE: clientRunE(func(cmd *cobra.Command, c *apiClient, args []string) error {
			if username == "" {
				fmt.Fprint(cmd.OutOrStdout(), "Username: ")
				fmt.Fscanln(cmd.InOrStdin(), &username)
			}
			if password == "" {
				fmt.Fprint(cmd.OutOrStdout(), "Password: ")
				fmt.Fscanln(cmd.InOrStdin(), &password)
			}

			var resp api.LoginResponse
			if err := c.do(http.MethodPost, "/login", api.LoginRequest{Username: username, Password: password}, &resp); err != nil {
				return err
			}
			if err := saveCLIConfig(cliConfig{ServerURL: c.baseURL, Username: resp.Username, Token: resp.Token}); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: Failed to save config: %v\n", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Login successful")
			return nil
		}),
	}
	cmd.Flags().StringVar(&username, "username", "", "Operator username")
	cmd.Flags().StringVar(&password, "password", "", "Operator password")
	return cmd
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the console and engine health",
		Args:  cobra.NoArgs,
		RunE: clientRunE(func(cmd *cobra.Command, c *apiClient, args []string) error {
			var resp map[string]interface{}
			if err := c.do(http.MethodGet, "/health", nil, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		}),
	}
}

func newStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Print the execution state and pending failure",
		Args:  cobra.NoArgs,
		RunE: clientRunE(func(cmd *cobra.Command, c *apiClient, args []string) error {
			st, err := fetchState(c)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Status:       %s\n", st.State.Status)
			fmt.Fprintf(out, "Active flow:  %s\n", st.State.ActiveFlowID)
			fmt.Fprintf(out, "Current step: %d\n", st.State.CurrentStepIndex)
			fmt.Fprintf(out, "Start from:   %d\n", st.State.StartFromStepIndex)
			fmt.Fprintf(out, "Recording:    %t\n", st.State.Recording)
			fmt.Fprintf(out, "Initialized:  %t\n", st.State.Initialized)
			if f := st.Recovery.Failure; f != nil {
				fmt.Fprintf(out, "Failure:      step %d %q: %s (%s)\n", f.StepIndex, f.StepDescription, f.Error, st.Recovery.State)
			}
			return nil
		}),
	}
}

func newFlowCmd() *cobra.Command {
	flowCmd := &cobra.Command{
		Use:   "flow",
		Short: "Flow management",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List flows",
		Args:  cobra.NoArgs,
		RunE: clientRunE(func(cmd *cobra.Command, c *apiClient, args []string) error {
			var flows []models.Flow
			if err := c.do(http.MethodGet, "/flows", nil, &flows); err != nil {
				return err
			}
			st, err := fetchState(c)
			if err != nil {
				return err
			}
			if len(flows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No flows found")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ACTIVE\tID\tNAME\tSTEPS\tENABLED\tUPDATED")
			for _, f := range flows {
				active := ""
				if f.ID == st.State.ActiveFlowID {
					active = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n", active, f.ID, f.Name, len(f.Steps), len(f.EnabledSteps()), f.UpdatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		}),
	}

	showCmd := &cobra.Command{
		Use:   "show [flow]",
		Short: "Show a flow's steps",
		Args:  cobra.ExactArgs(1),
		RunE: clientRunE(func(cmd *cobra.Command, c *apiClient, args []string) error {
			f, err := resolveFlow(c, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s (%s)\n", f.Name, f.ID)
			if f.Description != "" {
				fmt.Fprintln(out, f.Description)
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "#\tON\tACTION\tDESCRIPTION\tSELECTOR\tVALUE")
			for _, st := range f.Steps {
				on := "no"
				if st.Enabled {
					on = "yes"
				}
				sel := ""
				if st.ElementSelector != nil {
					sel = fmt.Sprintf("%s=%s", st.ElementSelector.SelectorType, st.ElementSelector.SelectorValue)
				}
				val := st.Value
				if st.ActionType == models.ActionWait {
					val = fmt.Sprintf("%dms", st.WaitTime)
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", st.Order, on, st.ActionType, st.Description, sel, val)
			}
			return w.Flush()
		}),
	}

	var description string
	createCmd := &cobra.Command{
		Use:   "create [name]",
		Short: "Create an empty flow",
		Args:  cobra.ExactArgs(1),
		RunE: clientRunE(func(cmd *cobra.Command, c *apiClient, args []string) error {
			var f models.Flow
			if err := c.do(http.MethodPost, "/flows", map[string]string{"name": args[0], "description": description}, &f); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created flow %s (%s)\n", f.Name, f.ID)
			return nil
		}),
	}
	createCmd.Flags().StringVar(&description, "description", "", "Flow description")

	deleteCmd := &cobra.Command{
		Use:   "delete [flow]",
		Short: "Delete a flow",
		Args:  cobra.ExactArgs(1),
		RunE: clientRunE(func(cmd *cobra.Command, c *apiClient, args []string) error {
			f, err := resolveFlow(c, args[0])
			if err != nil {
				return err
			}
			if err := c.do(http.MethodDelete, "/flows/"+f.ID, nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted flow %s\n", f.Name)
			return nil
		}),
	}

	activateCmd := &cobra.Command{
		Use:   "activate [flow]",
		Short: "Make a flow the active flow",
		Args:  cobra.ExactArgs(1),
		RunE: clientRunE(func(cmd *cobra.Command, c *apiClient, args []string) error {
			f, err := resolveFlow(c, args[0])
			if err != nil {
				return err
			}
			if err := c.do(http.MethodPut, "/active-flow", map[string]string{"id": f.ID}, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Active flow is now %s\n", f.Name)
			return nil
		}),
	}

	importCmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Import a flow from a YAML document",
		Args:  cobra.ExactArgs(1),
		RunE: clientRunE(func(cmd *cobra.Command, c *apiClient, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}
			var f models.Flow
			if err := c.do(http.MethodPost, "/flows/import", data, &f); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported flow %s (%s) with %d steps\n", f.Name, f.ID, len(f.Steps))
			return nil
		}),
	}

	var outPath string
	exportCmd := &cobra.Command{
		Use:   "export [flow]",
		Short: "Export a flow as a YAML document",
		Args:  cobra.ExactArgs(1),
		RunE: clientRunE(func(cmd *cobra.Command, c *apiClient, args []string) error {
			f, err := resolveFlow(c, args[0])
			if err != nil {
				return err
			}
			var doc []byte
			if err := c.do(http.MethodGet, "/flows/"+f.ID+"/export", nil, &doc); err != nil {
				return err
			}
			if outPath == "" {
				_, err := cmd.OutOrStdout().Write(doc)
				return err
			}
			if err := os.WriteFile(outPath, doc, 0644); err != nil {
				return fmt.Errorf("failed to write %s: %w", outPath, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %s to %s\n", f.Name, outPath)
			return nil
		}),
	}
	exportCmd.Flags().StringVarP(&outPath, "output", "o", "", "Write to a file instead of stdout")

	flowCmd.AddCommand(listCmd, showCmd, createCmd, deleteCmd, activateCmd, importCmd, exportCmd)
	return flowCmd
}

// stateResponse is the body of GET /state
type stateResponse struct {
	State struct {
		Status             models.ExecutionStatus `json:"executionStatus"`
		ActiveFlowID       string                 `json:"activeFlowId"`
		CurrentStepIndex   int                    `json:"currentStepIndex"`
		StartFromStepIndex int                    `json:"startFromStepIndex"`
		Recording          bool                   `json:"isRecording"`
		Initialized        bool                   `json:"isInitialized"`
	} `json:"state"`
	Recovery struct {
		State   string                  `json:"state"`
		Failure *models.StepFailureInfo `json:"failure"`
	} `json:"recovery"`
}

func fetchState(c *apiClient) (stateResponse, error) {
	var st stateResponse
	err := c.do(http.MethodGet, "/state", nil, &st)
	return st, err
}

// resolveFlow finds a flow by id, then by exact name, then by unique
// case-insensitive name prefix
func resolveFlow(c *apiClient, ref string) (models.Flow, error) {
	var flows []models.Flow
	if err := c.do(http.MethodGet, "/flows", nil, &flows); err != nil {
		return models.Flow{}, err
	}

	for _, f := range flows {
		if f.ID == ref {
			return f, nil
		}
	}
	for _, f := range flows {
		if f.Name == ref {
			return f, nil
		}
	}

	var matches []models.Flow
	for _, f := range flows {
		if strings.HasPrefix(strings.ToLower(f.Name), strings.ToLower(ref)) {
			matches = append(matches, f)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return models.Flow{}, fmt.Errorf("no flow matches %q", ref)
	}
	return models.Flow{}, fmt.Errorf("%q matches %d flows", ref, len(matches))
}

func newControlCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: clientRunE(func(cmd *cobra.Command, c *apiClient, args []string) error {
			var resp map[string]string
			if err := c.do(http.MethodPost, "/"+action, nil, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Status: %s\n", resp["status"])
			return nil
		}),
	}
}

func newInitializeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "initialize",
		Short: "Prepare the target application for a run",
		Args:  cobra.NoArgs,
		RunE: clientRunE(func(cmd *cobra.Command, c *apiClient, args []string) error {
			var resp struct {
				Steps []models.InitStep `json:"steps"`
			}
			err := c.do(http.MethodPost, "/initialize", nil, &resp)
			if err != nil {
				return err
			}
			for _, st := range resp.Steps {
				line := fmt.Sprintf("[%s] %s", st.Status, st.Name)
				if st.Message != "" {
					line += ": " + st.Message
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		}),
	}
}

func newRecordCmd() *cobra.Command {
	recordCmd := &cobra.Command{
		Use:   "record",
		Short: "Capture operator actions into the active flow",
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start recording",
		Args:  cobra.NoArgs,
		RunE: clientRunE(func(cmd *cobra.Command, c *apiClient, args []string) error {
			if err := c.do(http.MethodPost, "/record/start", nil, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Recording started")
			return nil
		}),
	}

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop recording and reconcile the captured steps",
		Args:  cobra.NoArgs,
		RunE: clientRunE(func(cmd *cobra.Command, c *apiClient, args []string) error {
			var res struct {
				Streamed int `json:"streamed"`
				Final    int `json:"final"`
				Appended int `json:"appended"`
				Removed  int `json:"removed"`
			}
			if err := c.do(http.MethodPost, "/record/stop", nil, &res); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Recording stopped: %d captured, %d streamed, %d appended, %d removed\n",
				res.Final, res.Streamed, res.Appended, res.Removed)
			return nil
		}),
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the engine's recording state",
		Args:  cobra.NoArgs,
		RunE: clientRunE(func(cmd *cobra.Command, c *apiClient, args []string) error {
			var status engine.RecordStatusResponse
			if err := c.do(http.MethodGet, "/record/status", nil, &status); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		}),
	}

	recordCmd.AddCommand(startCmd, stopCmd, statusCmd)
	return recordCmd
}

func newProductsCmd() *cobra.Command {
	productsCmd := &cobra.Command{
		Use:   "products",
		Short: "Product list management",
	}

	loadCmd := &cobra.Command{
		Use:   "load [path]",
		Short: "Load a product file on the engine host into the automation settings",
		Args:  cobra.ExactArgs(1),
		RunE: clientRunE(func(cmd *cobra.Command, c *apiClient, args []string) error {
			var res engine.ProductsResponse
			if err := c.do(http.MethodPost, "/products/load", map[string]string{"file_path": args[0]}, &res); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CODE\tQUANTITY")
			for _, p := range res.Products {
				fmt.Fprintf(w, "%s\t%d\n", p.Code, p.Quantity)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Loaded %d products\n", len(res.Products))
			return nil
		}),
	}

	productsCmd.AddCommand(loadCmd)
	return productsCmd
}

func newDebugCmd() *cobra.Command {
	debugCmd := &cobra.Command{
		Use:   "debug",
		Short: "Inspect the target application through the engine",
	}

	elements := func(path string) func(*cobra.Command, *apiClient, []string) error {
		return func(cmd *cobra.Command, c *apiClient, args []string) error {
			var res engine.ElementsResponse
			if err := c.do(http.MethodPost, path, nil, &res); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tAUTOMATION ID\tTYPE\tSELECTOR")
			for _, el := range res.Elements {
				sel := el.Selector()
				fmt.Fprintf(w, "%s\t%s\t%s\t%s=%s\n", el.Name, el.AutomationID, el.ControlType, sel.SelectorType, sel.SelectorValue)
			}
			return w.Flush()
		}
	}

	captureCmd := &cobra.Command{
		Use:   "capture",
		Short: "List the controls of the target window",
		Args:  cobra.NoArgs,
		RunE:  clientRunE(elements("/debug/capture")),
	}

	pickCmd := &cobra.Command{
		Use:   "pick",
		Short: "Click controls in the target application to identify them",
		Args:  cobra.NoArgs,
		RunE:  clientRunE(elements("/debug/pick")),
	}

	windowCmd := &cobra.Command{
		Use:   "window",
		Short: "Describe the target window",
		Args:  cobra.NoArgs,
		RunE: clientRunE(func(cmd *cobra.Command, c *apiClient, args []string) error {
			var res engine.WindowResponse
			if err := c.do(http.MethodGet, "/debug/window", nil, &res); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		}),
	}

	var engineURL string
	reconnectCmd := &cobra.Command{
		Use:   "reconnect",
		Short: "Reattach the engine to the target window",
		Args:  cobra.NoArgs,
		RunE: clientRunE(func(cmd *cobra.Command, c *apiClient, args []string) error {
			var res map[string]interface{}
			if err := c.do(http.MethodPost, "/engine/reconnect", map[string]string{"engine_url": engineURL}, &res); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		}),
	}
	reconnectCmd.Flags().StringVar(&engineURL, "engine-url", "", "Driver URL (defaults to automation.engine_url)")

	disconnectCmd := &cobra.Command{
		Use:   "disconnect",
		Short: "Drop the engine's driver session",
		Args:  cobra.NoArgs,
		RunE: clientRunE(func(cmd *cobra.Command, c *apiClient, args []string) error {
			if err := c.do(http.MethodPost, "/engine/disconnect", nil, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Disconnected")
			return nil
		}),
	}

	debugCmd.AddCommand(captureCmd, pickCmd, windowCmd, reconnectCmd, disconnectCmd)
	return debugCmd
}

func newScheduleCmd() *cobra.Command {
	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Scheduled runs",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List configured schedules",
		Args:  cobra.NoArgs,
		RunE: clientRunE(func(cmd *cobra.Command, c *apiClient, args []string) error {
			var entries []scheduler.Entry
			if err := c.do(http.MethodGet, "/schedules", nil, &entries); err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No schedules configured")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tCRON\tFLOW\tNEXT\tLAST RUN")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.Name, e.Cron, e.Flow, formatTime(e.Next), formatTime(e.LastRun))
			}
			return w.Flush()
		}),
	}

	triggerCmd := &cobra.Command{
		Use:   "trigger [name]",
		Short: "Fire a schedule now",
		Args:  cobra.ExactArgs(1),
		RunE: clientRunE(func(cmd *cobra.Command, c *apiClient, args []string) error {
			var resp map[string]string
			err := c.do(http.MethodPost, "/schedules/"+args[0]+"/trigger", nil, &resp)
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
				return fmt.Errorf("no schedule named %q", args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Triggered %s (status: %s)\n", args[0], resp["status"])
			return nil
		}),
	}

	scheduleCmd.AddCommand(listCmd, triggerCmd)
	return scheduleCmd
}
