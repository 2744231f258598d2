package toolkit

import (
	"encoding/xml"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/tkratochvila/VerifyServer/internal/errors"
)

// toolkitFile mirrors the tool-registry config document:
//
//	<toolkit>
//	  <tool name="divine" path="/opt/divine/divine" output_parser="divine_parser.sh" single_instance="true">
//	    <category name="ltl"/>
//	    <category name="reachability"/>
//	  </tool>
//	</toolkit>
type toolkitFile struct {
	Tools []toolEntry `xml:"tool"`
}

type toolEntry struct {
	Name           string          `xml:"name,attr"`
	Path           string          `xml:"path,attr"`
	OutputParser   string          `xml:"output_parser,attr"`
	SingleInstance bool            `xml:"single_instance,attr"`
	Categories     []categoryEntry `xml:"category"`
}

type categoryEntry struct {
	Name string `xml:"name,attr"`
}

// LoadFile builds a registry from the config document at path. Every listed
// tool is probed for its version during registration.
func LoadFile(path string) (*ToolKit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.IO("toolkit.load", err)
	}
	return Parse(data)
}

// Parse builds a registry from config document bytes.
func Parse(data []byte) (*ToolKit, error) {
	var doc toolkitFile
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(errors.KindMalformed, "toolkit.parse", err)
	}

	kit := New()
	for _, entry := range doc.Tools {
		kit.Insert(newToolFromEntry(entry))
	}
	return kit, nil
}

// MergeFile loads the config document at path and registers tools not yet
// present in the registry. Existing tools are left untouched, so a config
// rewrite cannot yank a tool out from under a live reservation.
func (k *ToolKit) MergeFile(path string) (added int, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.IO("toolkit.merge", err)
	}

	var doc toolkitFile
	if err := xml.Unmarshal(data, &doc); err != nil {
		return 0, errors.Wrap(errors.KindMalformed, "toolkit.merge", err)
	}

	for _, entry := range doc.Tools {
		if _, ok := k.Get(entry.Name); ok {
			continue
		}
		if k.Insert(newToolFromEntry(entry)) {
			added++
			log.Info().Str("tool", entry.Name).Str("path", entry.Path).Msg("Registered new tool")
		}
	}
	return added, nil
}

func newToolFromEntry(entry toolEntry) *Tool {
	t := NewTool(entry.Name, entry.Path, entry.OutputParser, entry.SingleInstance)
	for _, c := range entry.Categories {
		t.AddCapability(c.Name)
	}
	return t
}
