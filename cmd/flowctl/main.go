// Command flowctl checks workflow definition files offline.
//
//	flowctl validate definitions/
//	flowctl graph definitions/regulatory_change.yaml
//	flowctl routes
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/pitabwire/complyflow/internal/definition"
	"github.com/pitabwire/complyflow/internal/openapi"
	"github.com/pitabwire/complyflow/model"
)

var errInvalid = errors.New("definitions are invalid")

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "flowctl",
		Short:         "Validate and inspect compliance workflow definitions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().Bool("json", false, "output JSON")
	root.AddCommand(validateCmd(), graphCmd(), routesCmd())
	return root
}

type fileReport struct {
	File      string              `json:"file"`
	Workflows int                 `json:"workflows"`
	Errors    []definition.VError `json:"errors,omitempty"`
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <path>...",
		Short: "Validate definition files or directories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := definition.NewLoader().LoadAll(args)
			if err != nil {
				return err
			}

			validator := definition.NewValidator()
			reports := make([]fileReport, 0, len(files))
			invalid := false
			for _, f := range files {
				errs := validator.ValidateFile(f)
				invalid = invalid || len(errs) > 0
				reports = append(reports, fileReport{File: f.SourceFile, Workflows: len(f.Workflows), Errors: errs})
			}

			if asJSON(cmd) {
				if err := printJSON(cmd.OutOrStdout(), reports); err != nil {
					return err
				}
			} else {
				for _, r := range reports {
					if len(r.Errors) == 0 {
						fmt.Fprintf(cmd.OutOrStdout(), "ok    %s (%d workflows)\n", r.File, r.Workflows)
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "FAIL  %s\n", r.File)
					for _, e := range r.Errors {
						fmt.Fprintf(cmd.OutOrStdout(), "      %s [%s]\n", e.Error(), e.Code)
					}
				}
			}
			if invalid {
				return errInvalid
			}
			return nil
		},
	}
}

type graphStep struct {
	Step       int      `json:"step"`
	Task       string   `json:"task"`
	Type       string   `json:"type"`
	DependsOn  []string `json:"depends_on,omitempty"`
	Dependents []string `json:"dependents,omitempty"`
}

type workflowGraph struct {
	Workflow string      `json:"workflow"`
	Steps    []graphStep `json:"steps"`
}

func graphCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "graph <file>",
		Short: "Print the task execution order of each workflow in a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := definition.NewLoader().LoadFile(args[0])
			if err != nil {
				return err
			}

			graphs := make([]workflowGraph, 0, len(file.Workflows))
			for _, wf := range file.Workflows {
				g, err := buildGraph(wf)
				if err != nil {
					return err
				}
				graphs = append(graphs, g)
			}

			if asJSON(cmd) {
				return printJSON(cmd.OutOrStdout(), graphs)
			}
			for _, g := range graphs {
				tw := table.NewWriter()
				tw.SetOutputMirror(cmd.OutOrStdout())
				tw.SetTitle(g.Workflow)
				tw.AppendHeader(table.Row{"Step", "Task", "Type", "Depends On", "Dependents"})
				for _, s := range g.Steps {
					tw.AppendRow(table.Row{s.Step, s.Task, s.Type, strings.Join(s.DependsOn, ", "), strings.Join(s.Dependents, ", ")})
				}
				tw.Render()
			}
			return nil
		},
	}
}

func buildGraph(wf model.WorkflowDefinition) (workflowGraph, error) {
	order, cyclic := definition.TopologicalOrder(wf.Tasks)
	if len(cyclic) > 0 {
		return workflowGraph{}, fmt.Errorf("workflow %q: dependency cycle through %s", wf.Name, strings.Join(cyclic, ", "))
	}

	byID := make(map[string]model.TaskDefinition, len(wf.Tasks))
	for _, t := range wf.Tasks {
		byID[t.ID] = t
	}
	dependents := definition.Dependents(wf.Tasks)

	g := workflowGraph{Workflow: wf.Name, Steps: make([]graphStep, 0, len(order))}
	for i, id := range order {
		t := byID[id]
		g.Steps = append(g.Steps, graphStep{
			Step:       i + 1,
			Task:       id,
			Type:       t.Type,
			DependsOn:  t.DependsOn,
			Dependents: dependents[id],
		})
	}
	return g, nil
}

type route struct {
	Method    string `json:"method"`
	Path      string `json:"path"`
	Operation string `json:"operation"`
	Tag       string `json:"tag"`
}

func routesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "routes",
		Short: "List the operations of the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			doc, err := openapi.Load()
			if err != nil {
				return err
			}
			routes := make([]route, 0)
			for _, id := range doc.OperationIDs() {
				op, _ := doc.Operation(id)
				routes = append(routes, route{Method: op.Method, Path: op.PathTemplate, Operation: id, Tag: op.Tag})
			}
			sort.Slice(routes, func(i, j int) bool {
				if routes[i].Path != routes[j].Path {
					return routes[i].Path < routes[j].Path
				}
				return routes[i].Method < routes[j].Method
			})

			if asJSON(cmd) {
				return printJSON(cmd.OutOrStdout(), routes)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(cmd.OutOrStdout())
			tw.AppendHeader(table.Row{"Method", "Path", "Operation", "Tag"})
			for _, r := range routes {
				tw.AppendRow(table.Row{r.Method, r.Path, r.Operation, r.Tag})
			}
			tw.Render()
			return nil
		},
	}
}

func asJSON(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
