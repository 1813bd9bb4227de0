package mpris

import (
	"path/filepath"

	"github.com/adrg/xdg"
	"gopkg.in/ini.v1"
)

const desktopSection = "Desktop Entry"

// dataDirs returns the XDG data directories, most specific first.
func dataDirs() []string {
	return append([]string{xdg.DataHome}, xdg.DataDirs...)
}

// desktopIcon looks up the Icon key of <entry>.desktop. It falls back to the entry name.
func desktopIcon(dirs []string, entry string) string {
	if entry == "" {
		return ""
	}
	for _, dir := range dirs {
		if icon := readDesktopIcon(filepath.Join(dir, "applications", entry+".desktop")); icon != "" {
			return icon
		}
	}
	return entry
}

func readDesktopIcon(path string) string {
	file, err := ini.LoadSources(ini.LoadOptions{
		IgnoreInlineComment:     true,
		SkipUnrecognizableLines: true,
		KeyValueDelimiters:      "=",
	}, path)
	if err != nil {
		return ""
	}
	section, err := file.GetSection(desktopSection)
	if err != nil {
		return ""
	}
	return section.Key("Icon").String()
}
