// Package libvirt provides a client wrapper for interacting with libvirt.
//
// This package wraps github.com/digitalocean/go-libvirt to provide:
//   - Connection management (connect, disconnect, ping)
//   - Domain XML generation from an instance and its on-disk layout
//   - A reconnecting Gateway that issues the driver's domain and filter RPCs
//
// The Client type provides a high-level interface for libvirt operations,
// while exposing the underlying *libvirt.Libvirt for packages that need
// direct access to the libvirt API.
//
// Connection Management:
//
// The package establishes connections to the local libvirt daemon via Unix socket:
//
//	client, err := libvirt.Connect(socketPath, timeout)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	// Check connection
//	if err := client.Ping(); err != nil {
//	    return err
//	}
//
// Domain XML Generation:
//
// GenerateInstanceDomainXML renders domain XML for an instance whose disk
// artifacts live at the paths named by an InstanceLayout:
//
//	xml, err := libvirt.GenerateInstanceDomainXML(inst, layout)
//	if err != nil {
//	    return err
//	}
//
//	// Define domain in libvirt
//	dom, err := client.Libvirt().DomainDefineXML(xml)
//	if err != nil {
//	    return err
//	}
//
// Consumer-Side Interfaces:
//
// The package exports no interfaces; Gateway narrows its own use of
// *libvirt.Libvirt through the unexported hypervisorClient interface.
// Consumers define their own interfaces specifying only the operations they
// need: the gateway interface in internal/instance/driver.go (satisfied by
// *Gateway) and LibvirtClient in internal/storage/manager.go (satisfied by
// *libvirt.Libvirt).
package libvirt
