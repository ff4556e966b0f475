package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bonsaikv/bonsai"
)

var dumpCmd = &cobra.Command{
	Use:   "dump <data-file> <root-bucket>",
	Short: "Print every key/value entry in a tree, in order",
	Args:  cobra.ExactArgs(2),
	RunE:  runDump,
}

func runDump(cmd *cobra.Command, args []string) error {
	dc, cfg, err := openDataDir()
	if err != nil {
		return err
	}
	fileID, err := dc.OpenFile(args[0])
	if err != nil {
		return err
	}
	rootPtr, err := parseBucketPointer(args[1])
	if err != nil {
		return err
	}

	ctx := context.Background()
	tree, ok, err := bonsai.Load(ctx, dc, fileID, cfg, noopTxnManager{}, rootPtr, builtinRegistry())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("bonsaictl: bucket %s has been recycled, not a live tree root", rootPtr)
	}
	first, ok, err := tree.FirstKey(ctx)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("(empty)")
		return nil
	}

	entries, err := tree.LoadEntriesMajor(ctx, first, true, true, 0)
	if err != nil {
		return err
	}
	for _, kv := range entries {
		fmt.Printf("%v\t%v\n", kv.Key, kv.Value)
	}
	return nil
}
