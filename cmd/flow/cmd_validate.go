// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianFlow/pkg/ux"
)

func (a *app) newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate GRAPH",
		Short: "Check a graph document without running it",
		Long: `Decode and validate a graph document. Use "-" to read stdin.

Exits non-zero and prints the reason when the graph has duplicate ids,
dangling dependencies, cycles or malformed conditional branches.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := loadGraph(cmd, args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %d tasks in %d levels\n",
				ux.IconSuccess, g.Name(), g.TaskCount(), g.LevelCount())
			return err
		},
	}
}

func (a *app) newPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan GRAPH",
		Short: "Print the execution levels of a graph",
		Long: `Print the levels a graph runs in. Tasks within a level run in
parallel; each level waits for the previous one. Conditional branches are
listed with their conditions.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := loadGraph(cmd, args[0])
			if err != nil {
				return err
			}
			return ux.NewPrinter(cmd.OutOrStdout()).Plan(g)
		},
	}
}
