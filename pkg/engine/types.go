package engine

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Naming conventions shared with the job builder and the service catalog.
const (
	// JobPrefix prefixes every per-user scheduler job (core-hmi-{id}).
	JobPrefix = "core-hmi-"

	// CoreServicePrefix prefixes the catalog service registered by a user's core task.
	CoreServicePrefix = "core-service-"

	// HMIServicePrefix prefixes the catalog service registered by a user's HMI task.
	HMIServicePrefix = "hmi-service-"

	// WebAppService is the catalog service registered by every control-plane replica.
	WebAppService = "manticore-service"

	// CoreGroupPrefix and HMIGroupPrefix prefix the task group names in a job.
	CoreGroupPrefix = "core-group"
	HMIGroupPrefix  = "hmi-group"

	// HMIAliveCheck is the health check name an HMI instance must pass.
	HMIAliveCheck = "hmi-alive"

	// WebAppAliveCheck is the health check name a control-plane replica must pass.
	WebAppAliveCheck = "manticore-alive"

	// HealthPassing is the catalog status of a passing check.
	HealthPassing = "passing"
)

// Dynamic port labels assigned by the scheduler.
const (
	PortLabelUser   = "user"
	PortLabelBroker = "broker"
	PortLabelTCP    = "tcp"
	PortLabelHMI    = "hmi"
)

// JobName returns the deterministic scheduler job name for a user.
func JobName(id string) string { return JobPrefix + id }

// CoreServiceName returns the catalog service name of a user's core.
func CoreServiceName(id string) string { return CoreServicePrefix + id }

// HMIServiceName returns the catalog service name of a user's HMI.
func HMIServiceName(id string) string { return HMIServicePrefix + id }

// UserRequest is the persisted record of one user's request for a core and
// HMI pair. It is immutable once written.
type UserRequest struct {
	// ID is the opaque user identifier.
	ID string `json:"id"`

	// UserToHMIPrefix is the external host prefix the user's browser reaches the HMI on.
	UserToHMIPrefix string `json:"userToHmiPrefix"`

	// HMIToCorePrefix is the external host prefix the HMI reaches core on.
	HMIToCorePrefix string `json:"hmiToCorePrefix"`

	// TCPPortExternal is the external port forwarded to core's tcp port.
	TCPPortExternal int `json:"tcpPortExternal"`

	// BrokerAddressPrefix is the external host prefix of the HMI's broker.
	BrokerAddressPrefix string `json:"brokerAddressPrefix"`

	// Options are passed to the core task as environment.
	Options map[string]string `json:"options,omitempty"`

	// CreatedAt is when the request was submitted.
	CreatedAt time.Time `json:"createdAt"`
}

// Prefixes returns every external name fragment held by the request.
func (r *UserRequest) Prefixes() []string {
	return []string{
		r.UserToHMIPrefix,
		r.HMIToCorePrefix,
		r.BrokerAddressPrefix,
		strconv.Itoa(r.TCPPortExternal),
	}
}

// AllocationRecord holds the internal endpoints resolved for one admitted user.
type AllocationRecord struct {
	UserPort    int    `json:"userPort"`
	BrokerPort  int    `json:"brokerPort"`
	TCPPort     int    `json:"tcpPort"`
	CoreAddress string `json:"coreAddress"`
	CorePort    int    `json:"corePort"`
	HMIAddress  string `json:"hmiAddress"`
	HMIPort     int    `json:"hmiPort"`
}

// Complete reports whether every field has been resolved.
func (a *AllocationRecord) Complete() bool {
	return a.UserPort != 0 && a.BrokerPort != 0 && a.TCPPort != 0 &&
		a.CoreAddress != "" && a.CorePort != 0 &&
		a.HMIAddress != "" && a.HMIPort != 0
}

// Pair is the derived view of a user's internal and external addresses.
// It is recomputed on every allocation pass and never persisted as authority.
type Pair struct {
	ID                    string `json:"id"`
	UserAddressInternal   string `json:"userAddressInternal"`
	HMIAddressInternal    string `json:"hmiAddressInternal"`
	TCPAddressInternal    string `json:"tcpAddressInternal"`
	BrokerAddressInternal string `json:"brokerAddressInternal"`
	UserAddressExternal   string `json:"userAddressExternal"`
	HMIAddressExternal    string `json:"hmiAddressExternal"`
	TCPPortExternal       int    `json:"tcpPortExternal"`
	BrokerAddressExternal string `json:"brokerAddressExternal"`
}

// NewPair merges an allocation record with the request's external prefixes.
func NewPair(id string, alloc *AllocationRecord, req *UserRequest) Pair {
	return Pair{
		ID:                    id,
		UserAddressInternal:   hostPort(alloc.HMIAddress, alloc.HMIPort),
		HMIAddressInternal:    hostPort(alloc.CoreAddress, alloc.CorePort),
		TCPAddressInternal:    hostPort(alloc.CoreAddress, alloc.TCPPort),
		BrokerAddressInternal: hostPort(alloc.HMIAddress, alloc.BrokerPort),
		UserAddressExternal:   req.UserToHMIPrefix,
		HMIAddressExternal:    req.HMIToCorePrefix,
		TCPPortExternal:       req.TCPPortExternal,
		BrokerAddressExternal: req.BrokerAddressPrefix,
	}
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// ConnectionInfo is the client-facing addressing pushed to a user.
type ConnectionInfo struct {
	UserAddress   string `json:"userAddress"`
	HMIAddress    string `json:"hmiAddress"`
	TCPAddress    string `json:"tcpAddress"`
	BrokerAddress string `json:"brokerAddress"`
}

// Addressing formats client-facing addresses. When the proxy is enabled the
// user receives external names under Domain, otherwise the internal addresses.
type Addressing struct {
	ProxyEnabled bool
	Domain       string
	HTTPPort     int
}

// ConnectionInfo builds the client payload for a pair.
func (a Addressing) ConnectionInfo(p Pair) ConnectionInfo {
	if !a.ProxyEnabled {
		return ConnectionInfo{
			UserAddress:   p.UserAddressInternal,
			HMIAddress:    p.HMIAddressInternal,
			TCPAddress:    p.TCPAddressInternal,
			BrokerAddress: p.BrokerAddressInternal,
		}
	}
	external := func(prefix string) string {
		return hostPort(prefix+"."+a.Domain, a.HTTPPort)
	}
	return ConnectionInfo{
		UserAddress:   external(p.UserAddressExternal),
		HMIAddress:    external(p.HMIAddressExternal),
		TCPAddress:    hostPort(a.Domain, p.TCPPortExternal),
		BrokerAddress: external(p.BrokerAddressExternal),
	}
}

// HealthCheck is one check attached to a catalog instance.
type HealthCheck struct {
	CheckID string `json:"checkId"`
	Name    string `json:"name"`
	Status  string `json:"status"`
}

// ServiceInstance is one registered instance of a catalog service.
type ServiceInstance struct {
	// ID is the catalog's opaque service identifier. Scheduler-registered
	// services embed their allocation id in it.
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Address string        `json:"address"`
	Port    int           `json:"port"`
	Tags    []string      `json:"tags,omitempty"`
	Checks  []HealthCheck `json:"checks,omitempty"`
}

// Healthy reports whether every check on the instance passes and each of the
// required check names is present.
func (s *ServiceInstance) Healthy(required ...string) bool {
	seen := make(map[string]bool, len(s.Checks))
	for _, c := range s.Checks {
		if c.Status != HealthPassing {
			return false
		}
		seen[c.Name] = true
		seen[c.CheckID] = true
	}
	for _, name := range required {
		if !seen[name] {
			return false
		}
	}
	return true
}

// HostPort returns the instance address joined with its port.
func (s *ServiceInstance) HostPort() string {
	return hostPort(s.Address, s.Port)
}

// FilterHealthy returns the instances that pass every check and carry every
// required check.
func FilterHealthy(instances []ServiceInstance, required ...string) []ServiceInstance {
	var healthy []ServiceInstance
	for _, inst := range instances {
		if inst.Healthy(required...) {
			healthy = append(healthy, inst)
		}
	}
	return healthy
}

// Port is a dynamically assigned scheduler port.
type Port struct {
	Label string `json:"label"`
	Value int    `json:"value"`
}

// Network is one network resource of an allocation.
type Network struct {
	IP           string `json:"ip"`
	DynamicPorts []Port `json:"dynamicPorts"`
}

// Allocation is the part of a scheduler allocation the resolver reads.
type Allocation struct {
	ID       string    `json:"id"`
	Networks []Network `json:"networks"`
}

// PortByLabel returns the value of the dynamic port with the given label.
// Port order within an allocation is unspecified, so lookup is by label only.
func (a *Allocation) PortByLabel(label string) (int, bool) {
	for _, n := range a.Networks {
		for _, p := range n.DynamicPorts {
			if p.Label == label {
				return p.Value, true
			}
		}
	}
	return 0, false
}

// TaskGroup is a named group of tasks within a job. Meta carries the
// parameters the job builder needs to render the group.
type TaskGroup struct {
	Name string            `json:"name"`
	Meta map[string]string `json:"meta,omitempty"`
}

// Job is the scheduler-neutral view of a per-user job.
type Job struct {
	Name       string      `json:"name"`
	UserID     string      `json:"userId"`
	TaskGroups []TaskGroup `json:"taskGroups"`
}

// JobState is the lifecycle state of a user's job.
type JobState string

const (
	JobAbsent     JobState = "absent"
	JobCoreOnly   JobState = "core_only"
	JobCoreAndHMI JobState = "core_and_hmi"
)

// HasHMIGroup reports whether an HMI task group has already been appended.
func (j *Job) HasHMIGroup() bool {
	if j == nil {
		return false
	}
	for _, g := range j.TaskGroups {
		if strings.HasPrefix(g.Name, HMIGroupPrefix) {
			return true
		}
	}
	return false
}

// State returns the lifecycle state of the job. A nil job is absent.
func (j *Job) State() JobState {
	switch {
	case j == nil:
		return JobAbsent
	case j.HasHMIGroup():
		return JobCoreAndHMI
	default:
		return JobCoreOnly
	}
}

// Notification types pushed to a user's connection.
const (
	NotificationPosition  = "position"
	NotificationAddresses = "addresses"
	NotificationLogs      = "logs"
)

// Notification is one message for a user's client connection.
type Notification struct {
	Type      string          `json:"type"`
	Position  int             `json:"position,omitempty"`
	Addresses *ConnectionInfo `json:"addresses,omitempty"`
	Logs      string          `json:"logs,omitempty"`
}

// PositionNotification builds a queue position message.
func PositionNotification(position int) Notification {
	return Notification{Type: NotificationPosition, Position: position}
}

// AddressNotification builds an address message.
func AddressNotification(info ConnectionInfo) Notification {
	return Notification{Type: NotificationAddresses, Addresses: &info}
}

// LogsNotification builds a message carrying a chunk of core output.
func LogsNotification(chunk []byte) Notification {
	return Notification{Type: NotificationLogs, Logs: string(chunk)}
}

func (n Notification) String() string {
	if n.Type == NotificationPosition {
		return fmt.Sprintf("position=%d", n.Position)
	}
	return n.Type
}
