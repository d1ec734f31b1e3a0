package audio

import (
	"fmt"
	"strings"
)

// SplitSource splits a "device:port" channel source into its parts. Device
// names may contain colons; the last one separates the port.
func SplitSource(source string) (device, port string) {
	i := strings.LastIndex(source, ":")
	if i < 0 {
		return strings.TrimSpace(source), ""
	}
	return strings.TrimSpace(source[:i]), strings.TrimSpace(source[i+1:])
}

// ValidateSource checks that a channel source names exactly one of the
// listed devices
func ValidateSource(source string, devices []Device) error {
	if source == "" || source == "disabled" {
		return nil
	}

	device, _ := SplitSource(source)
	matches := findDevicesInList(device, devices)
	if len(matches) == 0 {
		return fmt.Errorf("device not found: %s", device)
	}
	if len(matches) > 1 {
		return fmt.Errorf("duplicate devices detected for '%s': %d matches. Please disconnect one of them", device, len(matches))
	}
	return nil
}

// DuplicateSources returns the sources wired to more than one channel
func DuplicateSources(sources []string) []string {
	seen := make(map[string]int, len(sources))
	var dups []string
	for _, s := range sources {
		s = strings.TrimSpace(s)
		if s == "" || s == "disabled" {
			continue
		}
		seen[s]++
		if seen[s] == 2 {
			dups = append(dups, s)
		}
	}
	return dups
}

// findDevicesInList finds all devices with exactly the given name
func findDevicesInList(name string, devices []Device) []Device {
	var found []Device
	for _, d := range devices {
		if d.Name == name {
			found = append(found, d)
		}
	}
	return found
}
