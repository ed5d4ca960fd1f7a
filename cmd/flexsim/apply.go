package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/flexsim/pkg/config"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a cluster topology manifest",
	Long: `Apply a FlexSim manifest describing protection domains, fault sets,
storage pools and volumes, creating whatever does not already exist by name.

Example:
  flexsim apply -f topology.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML manifest to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(applyCmd)
}

// Resource is one entry of an apply manifest: a Kind plus a name and a
// kind-specific spec, in the same shape as the rest of this codebase's
// generic YAML resource documents.
type Resource struct {
	APIVersion string                 `yaml:"apiVersion"`
	Kind       string                 `yaml:"kind"`
	Metadata   ResourceMetadata       `yaml:"metadata"`
	Spec       map[string]interface{} `yaml:"spec"`
}

type ResourceMetadata struct {
	Name string `yaml:"name"`
}

// Manifest is a single YAML document holding a list of resources,
// applied in order so a pool's protection domain is guaranteed to exist
// before the pool.
type Manifest struct {
	Resources []Resource `yaml:"resources"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	for _, res := range manifest.Resources {
		var err error
		switch res.Kind {
		case "ProtectionDomain":
			err = applyProtectionDomain(cfg.MDMBaseURL, &res)
		case "FaultSet":
			err = applyFaultSet(cfg.MDMBaseURL, &res)
		case "StoragePool":
			err = applyStoragePool(cfg.MDMBaseURL, &res)
		case "Volume":
			err = applyVolume(cfg.MDMBaseURL, &res)
		default:
			err = fmt.Errorf("unsupported resource kind: %s", res.Kind)
		}
		if err != nil {
			return fmt.Errorf("apply %s %q: %w", res.Kind, res.Metadata.Name, err)
		}
	}
	return nil
}

func applyProtectionDomain(mdmBaseURL string, res *Resource) error {
	pds, err := mdmGetList(mdmBaseURL, "/pds")
	if err != nil {
		return err
	}
	if findByName(pds, res.Metadata.Name) != nil {
		fmt.Printf("protection domain already exists: %s (skipping)\n", res.Metadata.Name)
		return nil
	}

	fmt.Printf("creating protection domain: %s\n", res.Metadata.Name)
	return mdmPost(mdmBaseURL, "/pds/", map[string]any{"name": res.Metadata.Name}, nil)
}

func applyFaultSet(mdmBaseURL string, res *Resource) error {
	pdName := getString(res.Spec, "protectionDomain", "")
	pdID, err := resolvePDID(mdmBaseURL, pdName)
	if err != nil {
		return err
	}

	fs, err := mdmGetList(mdmBaseURL, fmt.Sprintf("/fault-sets?pd_id=%d", pdID))
	if err != nil {
		return err
	}
	if findByName(fs, res.Metadata.Name) != nil {
		fmt.Printf("fault set already exists: %s (skipping)\n", res.Metadata.Name)
		return nil
	}

	fmt.Printf("creating fault set: %s\n", res.Metadata.Name)
	return mdmPost(mdmBaseURL, "/fault-sets/", map[string]any{
		"pd_id": pdID, "name": res.Metadata.Name,
	}, nil)
}

func applyStoragePool(mdmBaseURL string, res *Resource) error {
	pdName := getString(res.Spec, "protectionDomain", "")
	pdID, err := resolvePDID(mdmBaseURL, pdName)
	if err != nil {
		return err
	}

	pools, err := mdmGetList(mdmBaseURL, fmt.Sprintf("/pools?pd_id=%d", pdID))
	if err != nil {
		return err
	}
	if findByName(pools, res.Metadata.Name) != nil {
		fmt.Printf("storage pool already exists: %s (skipping)\n", res.Metadata.Name)
		return nil
	}

	fmt.Printf("creating storage pool: %s\n", res.Metadata.Name)
	return mdmPost(mdmBaseURL, "/pools/", map[string]any{
		"pd_id":                            pdID,
		"name":                             res.Metadata.Name,
		"total_capacity_bytes":             getInt64(res.Spec, "totalCapacityBytes", 0),
		"protection_policy":                getString(res.Spec, "protectionPolicy", "two_copies"),
		"chunk_size_bytes":                 getInt64(res.Spec, "chunkSizeBytes", 0),
		"rebuild_rate_limit_bytes_per_sec": getInt64(res.Spec, "rebuildRateLimitBytesPerSec", 0),
	}, nil)
}

func applyVolume(mdmBaseURL string, res *Resource) error {
	poolName := getString(res.Spec, "pool", "")
	poolID, err := resolvePoolID(mdmBaseURL, poolName)
	if err != nil {
		return err
	}

	volumes, err := mdmGetList(mdmBaseURL, fmt.Sprintf("/volumes?pool_id=%d", poolID))
	if err != nil {
		return err
	}
	if findByName(volumes, res.Metadata.Name) != nil {
		fmt.Printf("volume already exists: %s (skipping)\n", res.Metadata.Name)
		return nil
	}

	fmt.Printf("creating volume: %s\n", res.Metadata.Name)
	return mdmPost(mdmBaseURL, "/volumes/", map[string]any{
		"pool_id":      poolID,
		"name":         res.Metadata.Name,
		"size_bytes":   getInt64(res.Spec, "sizeBytes", 0),
		"provisioning": getString(res.Spec, "provisioning", "thin"),
	}, nil)
}

func resolvePDID(mdmBaseURL, name string) (int64, error) {
	pds, err := mdmGetList(mdmBaseURL, "/pds")
	if err != nil {
		return 0, err
	}
	match := findByName(pds, name)
	if match == nil {
		return 0, fmt.Errorf("protection domain %q not found; define it earlier in the manifest", name)
	}
	return int64(match["id"].(float64)), nil
}

func resolvePoolID(mdmBaseURL, name string) (int64, error) {
	pds, err := mdmGetList(mdmBaseURL, "/pds")
	if err != nil {
		return 0, err
	}
	for _, pd := range pds {
		pools, err := mdmGetList(mdmBaseURL, fmt.Sprintf("/pools?pd_id=%d", int64(pd["id"].(float64))))
		if err != nil {
			return 0, err
		}
		if match := findByName(pools, name); match != nil {
			return int64(match["id"].(float64)), nil
		}
	}
	return 0, fmt.Errorf("storage pool %q not found; define it earlier in the manifest", name)
}

func findByName(items []map[string]any, name string) map[string]any {
	for _, item := range items {
		if n, _ := item["name"].(string); n == name {
			return item
		}
	}
	return nil
}

func mdmGetList(mdmBaseURL, path string) ([]map[string]any, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(mdmBaseURL + path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("mdm returned status %d for %s", resp.StatusCode, path)
	}
	var out []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return out, nil
}

func getString(m map[string]interface{}, key, defaultValue string) string {
	if v, ok := m[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return defaultValue
}

func getInt64(m map[string]interface{}, key string, defaultValue int64) int64 {
	if v, ok := m[key]; ok {
		switch val := v.(type) {
		case int:
			return int64(val)
		case int64:
			return val
		case float64:
			return int64(val)
		}
	}
	return defaultValue
}
