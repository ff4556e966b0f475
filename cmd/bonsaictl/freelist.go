package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bonsaikv/bonsai"
)

var freelistCmd = &cobra.Command{
	Use:   "freelist <data-file>",
	Short: "Print a file's system bucket and free-list state",
	Args:  cobra.ExactArgs(1),
	RunE:  runFreelist,
}

func runFreelist(cmd *cobra.Command, args []string) error {
	dc, cfg, err := openDataDir()
	if err != nil {
		return err
	}
	fileID, err := dc.OpenFile(args[0])
	if err != nil {
		return err
	}

	page, err := dc.LoadPage(context.Background(), fileID, 0, true)
	if err != nil {
		return err
	}
	page.AcquireSharedLatch()
	defer func() {
		page.ReleaseSharedLatch()
		dc.ReleasePage(page)
	}()

	sys := bonsai.NewSystemBucket(page.Bytes()[0:cfg.MaxBucketSizeBytes], nil)
	fmt.Printf("initialized:      %v\n", sys.IsInitialized())
	fmt.Printf("bump_pointer:      %s\n", sys.BumpPointer())
	fmt.Printf("free_list_head:    %s\n", sys.FreeListHead())
	fmt.Printf("free_list_length:  %d\n", sys.FreeListLength())
	return nil
}
