package runtime

type Status string

const (
	StatusStarting Status = "STARTING"
	StatusRunning  Status = "RUNNING"
	StatusStopping Status = "STOPPING"
	StatusStopped  Status = "STOPPED"
)

// Machine describes one running backend resource that realizes a declared machine.
type Machine struct {
	Name        string            `json:"name"`
	ContainerID string            `json:"container_id"`
	Servers     map[string]Server `json:"servers,omitempty"`
}

// Server is a declared server with the address it was exposed on.
type Server struct {
	Ref      string `json:"ref"`
	Port     string `json:"port"`
	HostPort string `json:"host_port,omitempty"`
	Protocol string `json:"protocol,omitempty"`
	URL      string `json:"url,omitempty"`
}

// Event is published for every status change of a runtime, and for log output
// written on its behalf.
type Event struct {
	Identity Identity `json:"identity"`
	Status   Status   `json:"status"`
	Previous Status   `json:"previous,omitempty"`
	Message  string   `json:"message,omitempty"`
	Error    string   `json:"error,omitempty"`
	Time     string   `json:"time"`
}
