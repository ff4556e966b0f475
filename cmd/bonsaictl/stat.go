package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bonsaikv/bonsai"
)

var statCmd = &cobra.Command{
	Use:   "stat <data-file> <root-bucket>",
	Short: "Print a tree's root bucket attributes",
	Args:  cobra.ExactArgs(2),
	RunE:  runStat,
}

func init() {
	statCmd.Flags().Bool("real-size", false, "also sum every leaf's int64 ridbag values by scanning the tree")
}

func runStat(cmd *cobra.Command, args []string) error {
	dc, cfg, err := openDataDir()
	if err != nil {
		return err
	}
	fileName, rootArg := args[0], args[1]
	fileID, err := dc.OpenFile(fileName)
	if err != nil {
		return err
	}
	rootPtr, err := parseBucketPointer(rootArg)
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
	size, err := tree.Size(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("root:        %s\n", tree.GetRootBucketPointer())
	fmt.Printf("tree_size:   %d\n", size)

	realSize, _ := cmd.Flags().GetBool("real-size")
	if realSize {
		real, err := tree.GetRealBagSize(ctx, nil)
		if err != nil {
			return err
		}
		fmt.Printf("real_size:   %d\n", real)
	}
	return nil
}
