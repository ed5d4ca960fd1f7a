package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/flexsim/pkg/bfile"
	"github.com/cuemby/flexsim/pkg/config"
	"github.com/cuemby/flexsim/pkg/sdc"
)

var sdcCmd = &cobra.Command{
	Use:   "sdc",
	Short: "SDC client operations (connect, read, write, disconnect)",
}

var sdcMapCmd = &cobra.Command{
	Use:   "map",
	Short: "Map (CONNECT) a volume for this SDC",
	RunE: func(cmd *cobra.Command, args []string) error {
		volumeID, _ := cmd.Flags().GetInt64("volume")
		sdcID, _ := cmd.Flags().GetInt64("sdc")
		mode, _ := cmd.Flags().GetString("mode")
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		return mdmPost(cfg.MDMBaseURL, fmt.Sprintf("/volumes/%d/map", volumeID), map[string]any{
			"sdc_id": sdcID, "access_mode": mode,
		}, nil)
	},
}

var sdcUnmapCmd = &cobra.Command{
	Use:   "unmap",
	Short: "Unmap (DISCONNECT) a volume for this SDC",
	RunE: func(cmd *cobra.Command, args []string) error {
		volumeID, _ := cmd.Flags().GetInt64("volume")
		sdcID, _ := cmd.Flags().GetInt64("sdc")
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		return mdmPost(cfg.MDMBaseURL, fmt.Sprintf("/volumes/%d/unmap", volumeID), map[string]any{
			"sdc_id": sdcID,
		}, nil)
	},
}

var sdcReadCmd = &cobra.Command{
	Use:   "read",
	Short: "Read a byte range from a mapped volume",
	RunE: func(cmd *cobra.Command, args []string) error {
		volumeID, _ := cmd.Flags().GetInt64("volume")
		sdcID, _ := cmd.Flags().GetInt64("sdc")
		offset, _ := cmd.Flags().GetInt64("offset")
		length, _ := cmd.Flags().GetInt64("length")

		client, err := newSDCClient(sdcID)
		if err != nil {
			return err
		}
		data, err := client.Read(context.Background(), volumeID, offset, length)
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}
		fmt.Println(base64.StdEncoding.EncodeToString(data))
		return nil
	},
}

var sdcWriteCmd = &cobra.Command{
	Use:   "write",
	Short: "Write data (base64 on stdin) to a mapped volume",
	RunE: func(cmd *cobra.Command, args []string) error {
		volumeID, _ := cmd.Flags().GetInt64("volume")
		sdcID, _ := cmd.Flags().GetInt64("sdc")
		offset, _ := cmd.Flags().GetInt64("offset")

		raw, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		data, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(raw)))
		if err != nil {
			return fmt.Errorf("decode base64 payload: %w", err)
		}

		client, err := newSDCClient(sdcID)
		if err != nil {
			return err
		}
		if err := client.Write(context.Background(), volumeID, offset, data); err != nil {
			return fmt.Errorf("write failed: %w", err)
		}
		fmt.Printf("wrote %d bytes at offset %d\n", len(data), offset)
		return nil
	},
}

func newSDCClient(sdcID int64) (*sdc.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	layout := bfile.NewLayout(cfg.StorageRoot)
	return sdc.New(sdcID, cfg.MDMBaseURL, cfg.IOMode, layout), nil
}

func mdmPost(mdmBaseURL, path string, body map[string]any, out any) error {
	payload, _ := json.Marshal(body)
	req, err := http.NewRequest(http.MethodPost, mdmBaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("mdm returned status %d: %s", resp.StatusCode, string(msg))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	fmt.Println("ok")
	return nil
}

func init() {
	sdcCmd.AddCommand(sdcMapCmd, sdcUnmapCmd, sdcReadCmd, sdcWriteCmd)

	for _, c := range []*cobra.Command{sdcMapCmd, sdcUnmapCmd, sdcReadCmd, sdcWriteCmd} {
		c.Flags().Int64("volume", 0, "Volume id")
		c.Flags().Int64("sdc", 0, "SDC client id")
	}
	sdcMapCmd.Flags().String("mode", "read_write", "Access mode: read_write or read_only")
	sdcReadCmd.Flags().Int64("offset", 0, "Byte offset")
	sdcReadCmd.Flags().Int64("length", 4096, "Byte length")
	sdcWriteCmd.Flags().Int64("offset", 0, "Byte offset")
}
