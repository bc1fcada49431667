package resource

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strings"
	"text/template"
)

// capsDocument is the minimal subset of libvirt's host capabilities XML this
// package needs: the <host><cpu> block. Parsed directly with stdlib
// encoding/xml rather than libvirtxml's own Caps type, since its exact field
// layout couldn't be verified against the vendored library source available
// here — a hand-rolled struct for the few elements actually read is safer
// than guessing at an unconfirmed third-party shape.
type capsDocument struct {
	XMLName xml.Name `xml:"capabilities"`
	Host    struct {
		CPU struct {
			Arch     string `xml:"arch"`
			Model    string `xml:"model"`
			Vendor   string `xml:"vendor"`
			Topology *struct {
				Attrs []xml.Attr `xml:",any,attr"`
			} `xml:"topology"`
			Features []struct {
				Name string `xml:"name,attr"`
			} `xml:"feature"`
		} `xml:"cpu"`
	} `xml:"host"`
}

// CPUInfo is the JSON shape exchanged with the scheduler for live-migration
// compatibility checks, mirroring get_cpu_info's dict shape.
type CPUInfo struct {
	Arch     string            `json:"arch,omitempty"`
	Model    string            `json:"model,omitempty"`
	Vendor   string            `json:"vendor,omitempty"`
	Topology map[string]string `json:"topology"`
	Features []string          `json:"features"`
}

// requiredTopologyKeys are the only keys a topology block may carry; any
// other shape is rejected rather than silently accepted.
var requiredTopologyKeys = map[string]bool{"cores": true, "sockets": true, "threads": true}

// ParseCPUInfo extracts the host's CPU description from a capabilities
// document (as returned by HypervisorGateway.GetCapabilitiesXML) and renders
// it as the JSON string callers persist alongside a compute node record.
func ParseCPUInfo(capabilitiesXML string) (string, error) {
	var doc capsDocument
	if err := xml.Unmarshal([]byte(capabilitiesXML), &doc); err != nil {
		return "", fmt.Errorf("parse capabilities xml: %w", err)
	}

	info := CPUInfo{
		Arch:     doc.Host.CPU.Arch,
		Model:    doc.Host.CPU.Model,
		Vendor:   doc.Host.CPU.Vendor,
		Topology: make(map[string]string),
		Features: make([]string, 0, len(doc.Host.CPU.Features)),
	}

	if doc.Host.CPU.Topology != nil {
		for _, attr := range doc.Host.CPU.Topology.Attrs {
			info.Topology[attr.Name.Local] = attr.Value
		}
		if len(info.Topology) != len(requiredTopologyKeys) {
			return "", fmt.Errorf("invalid topology: must have exactly cores, sockets, threads")
		}
		for key := range info.Topology {
			if !requiredTopologyKeys[key] {
				return "", fmt.Errorf("invalid topology: unexpected key %q", key)
			}
		}
	}

	for _, f := range doc.Host.CPU.Features {
		info.Features = append(info.Features, f.Name)
	}

	data, err := json.Marshal(info)
	if err != nil {
		return "", fmt.Errorf("marshal cpu info: %w", err)
	}
	return string(data), nil
}

// cpuCompareXMLTemplate renders the <cpu> fragment compare_cpu hands to the
// hypervisor, reconstructed from a previously-parsed CPUInfo. Templating
// (rather than a document builder) matches the lighter one-shot nature of
// this fragment, unlike the nwfilter documents which warrant a real builder.
var cpuCompareXMLTemplate = template.Must(template.New("cpu-compare").Parse(
	`<cpu>
  <arch>{{.Arch}}</arch>
  <model>{{.Model}}</model>
  <vendor>{{.Vendor}}</vendor>
  <topology sockets='{{.Topology.sockets}}' cores='{{.Topology.cores}}' threads='{{.Topology.threads}}'/>
{{range .Features}}  <feature name='{{.}}'/>
{{end}}</cpu>`))

// BuildCompareCPUXML renders the XML fragment CompareCPU needs from a JSON
// CPUInfo string (as produced by ParseCPUInfo), matching compare_cpu's own
// Template(self.cpuinfo_xml, searchList=dic) step.
func BuildCompareCPUXML(cpuInfoJSON string) (string, error) {
	var info CPUInfo
	if err := json.Unmarshal([]byte(cpuInfoJSON), &info); err != nil {
		return "", fmt.Errorf("unmarshal cpu info: %w", err)
	}
	var buf strings.Builder
	if err := cpuCompareXMLTemplate.Execute(&buf, info); err != nil {
		return "", fmt.Errorf("render cpu compare xml: %w", err)
	}
	return buf.String(), nil
}
