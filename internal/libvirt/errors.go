package libvirt

import "strings"

// IsNotFound reports whether err is libvirt's "no such domain" error. The
// go-libvirt RPC client surfaces lookup failures as an error whose message
// mirrors libvirt's own wording ("Domain not found: no domain with matching
// name ..."); matching on that text avoids coupling the driver to the
// library's internal error-code constants, which differ across go-libvirt
// releases.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "domain not found") || strings.Contains(msg, "no domain with matching")
}
