package config

import (
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/graphloom/loom/errors"
)

// SaveThresholds updates the monitor threshold section of the config file on
// disk, creating a rotating backup first. Used by the threshold-configuration
// endpoint so operator changes survive restarts.
func SaveThresholds(path string, thresholds map[string]Threshold) error {
	if err := createBackup(path); err != nil {
		return err
	}

	// Round-trip the whole file as a generic tree so unrelated sections and
	// operator comments in other tables are preserved structurally.
	tree := map[string]any{}
	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, &tree); err != nil {
			return errors.Wrapf(err, "failed to parse existing config %s", path)
		}
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to read config %s", path)
	}

	monitorSection, _ := tree["monitor"].(map[string]any)
	if monitorSection == nil {
		monitorSection = map[string]any{}
	}
	thSection := map[string]any{}
	for name, th := range thresholds {
		thSection[name] = map[string]any{
			"warning":           th.Warning,
			"critical":          th.Critical,
			"sustained_seconds": th.SustainedSeconds,
		}
	}
	monitorSection["thresholds"] = thSection
	tree["monitor"] = monitorSection

	data, err := toml.Marshal(tree)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write config %s", path)
	}
	return nil
}

// createBackup rotates .back1/.back2/.back3 copies before modifying the
// config file.
func createBackup(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	back1, back2, back3 := path+".back1", path+".back2", path+".back3"

	if err := os.Remove(back3); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to delete oldest backup")
	}
	if _, err := os.Stat(back2); err == nil {
		if err := os.Rename(back2, back3); err != nil {
			return errors.Wrap(err, "failed to rotate .back2 to .back3")
		}
	}
	if _, err := os.Stat(back1); err == nil {
		if err := os.Rename(back1, back2); err != nil {
			return errors.Wrap(err, "failed to rotate .back1 to .back2")
		}
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}
	if err := os.WriteFile(back1, content, 0o644); err != nil {
		return errors.Wrap(err, "failed to write backup")
	}
	return nil
}
