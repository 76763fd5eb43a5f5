// Copyright 2024-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/couchbase/goep/base"
	"github.com/couchbase/goep/log"
	"github.com/couchbase/goep/metadata"
	"github.com/couchbase/goep/metadata_svc"
	"github.com/couchbase/goep/service_impl"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	// manifestCommands groups the collections manifest operations
	manifestCommands = &cobra.Command{
		Use:   "manifest",
		Short: "Validate, apply and inspect collections manifests",
	}

	validateCmd = &cobra.Command{
		Use:   "validate <file>",
		Short: "Check that a JSON manifest is acceptable",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}

	showCmd = &cobra.Command{
		Use:   "show",
		Short: "Print the manifest persisted under --dbname",
		Args:  cobra.NoArgs,
		RunE:  runShow,
	}

	applyCmd = &cobra.Command{
		Use:   "apply <file>",
		Short: "Persist a JSON manifest under --dbname",
		Long: `Persist a JSON manifest under --dbname the way a running bucket does.
Without --force the manifest must be newer than the persisted one.`,
		Args: cobra.ExactArgs(1),
		RunE: runApply,
	}
)

func init() {
	manifestCommands.AddCommand(validateCmd)
	manifestCommands.AddCommand(showCmd)
	manifestCommands.AddCommand(applyCmd)

	applyCmd.Flags().Bool("force", false, WrapString("Install the manifest even if its uid goes backwards"))
	applyCmd.Flags().Duration("timeout", 30*time.Second, WrapString("How long to wait for the manifest to be persisted"))
}

func readManifest(cmd *cobra.Command, path string) (*metadata.Manifest, []byte, *base.EngineConfig, error) {
	config, err := loadEngineConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, nil, errors.Wrapf(err, "unable to read %v", path)
	}
	manifest, err := metadata.NewManifestFromJson(data, config.MaxCollections)
	if err != nil {
		return nil, nil, nil, err
	}
	return manifest, data, config, nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	manifest, _, _, err := readManifest(cmd, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "valid: %v\n", manifest)
	return nil
}

func runShow(cmd *cobra.Command, _ []string) error {
	config, err := loadEngineConfig(cmd)
	if err != nil {
		return err
	}
	logger_ctx, err := newLoggerContext(config)
	if err != nil {
		return err
	}
	manifest, err := metadata_svc.TryAndLoad(config.DataDir, log.NewLogger("epctl", logger_ctx))
	if err != nil {
		return err
	}
	if manifest == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "no manifest under %v\n", config.DataDir)
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(manifest.ToJson()))
	return nil
}

func runApply(cmd *cobra.Command, args []string) error {
	manifest, data, config, err := readManifest(cmd, args[0])
	if err != nil {
		return err
	}
	logger_ctx, err := newLoggerContext(config)
	if err != nil {
		return err
	}
	force, _ := cmd.Flags().GetBool("force")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	done := make(chan base.Status, 1)
	bucket, err := service_impl.NewEPBucket("epctl", config, func(_ base.Cookie, status base.Status) {
		done <- status
	}, logger_ctx)
	if err != nil {
		return err
	}
	defer bucket.Stop()

	cookie := "epctl:" + args[0]
	var status base.Status
	if force {
		status = bucket.ForceUpdateCollections(data, cookie)
	} else {
		status = bucket.SetCollections(data, cookie)
	}
	if status == base.StatusWouldBlock {
		select {
		case status = <-done:
		case <-time.After(timeout):
			return errors.Errorf("manifest uid:%x not persisted within %v", manifest.Uid(), timeout)
		}
	}
	if status != base.StatusSuccess {
		return errors.Errorf("manifest uid:%x not applied: %v", manifest.Uid(), status)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "applied manifest uid:%x to %v\n", manifest.Uid(), config.DataDir)
	return nil
}
