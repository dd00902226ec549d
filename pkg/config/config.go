package config

import (
	"log"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	prefix      = "listgate"
	tableFormat = `listgate is configured via the environment. The following environment
variables can be used:

KEY	DEFAULT	REQUIRED	DESCRIPTION
{{range .}}{{usage_key .}}	{{usage_default .}}	{{usage_required .}}	{{usage_description .}}
{{end}}`

	// testSender is always allowed when security enforcement is disabled.
	testSender = "test@test.test"
)

var (
	// Version of this build, set by main
	Version = ""

	// BuildDate for this build, set by main
	BuildDate = ""
)

// Root wraps all other configurations.
type Root struct {
	LogLevel  string `required:"true" default:"info" desc:"debug, info, warn, or error"`
	Gateway   Gateway
	Security  Security
	SMTP      SMTP
	Web       Web
	Storage   Storage
	Directory Directory
	Wiki      Wiki
	Delivery  Delivery
}

// Gateway contains the distribution list identity.
type Gateway struct {
	Domain       string   `required:"true" default:"lists.example.com" desc:"Domain distribution addresses live under"`
	DefaultFrom  string   `required:"true" default:"noreply@lists.example.com" desc:"From address of redistributed mail"`
	AllowSenders []string `desc:"Senders allowed to mail any group, comma separated"`
	Branding     string   `required:"true" default:"listgate" desc:"System name used in footers and pages"`
}

// Security controls inbound provenance checks.
type Security struct {
	Enforce bool `required:"true" default:"true" desc:"Enforce SPF/DKIM/DMARC; when false loopback is trusted"`
}

// SMTP contains the inbound SMTP server configuration.
type SMTP struct {
	Addr            string        `required:"true" default:"0.0.0.0:2500" desc:"SMTP server IP4 host:port"`
	Domain          string        `required:"true" default:"listgate" desc:"HELO domain"`
	MaxRecipients   int           `required:"true" default:"200" desc:"Maximum RCPT TO per message"`
	MaxIdle         time.Duration `required:"true" default:"300s" desc:"Idle network timeout"`
	MaxMessageBytes int           `required:"true" default:"10240000" desc:"Maximum message size"`
}

// Web contains the HTTP server configuration.
type Web struct {
	Addr     string `required:"true" default:"0.0.0.0:8080" desc:"Web server IP4 host:port"`
	BasePath string `default:"" desc:"Base path prefix for control-plane URLs"`
	Monitor  int    `required:"true" default:"50" desc:"Monitor remembered task events"`
}

// Storage contains the invite store configuration.
type Storage struct {
	Type         string        `required:"true" default:"sqlite" desc:"Storage impl: sqlite or memory"`
	Path         string        `required:"true" default:"listgate.db" desc:"Database file path"`
	ExpiryGrace  time.Duration `required:"true" default:"168h" desc:"Keep invites this long past expiry"`
	ExpiryPeriod time.Duration `required:"true" default:"1h" desc:"Interval between expiry scans; 0 disables"`
}

// Directory contains the group directory connection.
type Directory struct {
	URL      string        `required:"true" default:"https://gitlab.com" desc:"GitLab base URL"`
	Token    string        `desc:"GitLab access token"`
	CacheTTL time.Duration `required:"true" default:"600s" desc:"Directory cache lifetime"`
	Timeout  time.Duration `required:"true" default:"30s" desc:"Directory request timeout"`
}

// Wiki contains the digest publishing target.
type Wiki struct {
	Project    string `desc:"GitLab project ID holding the calendar wiki; empty disables publishing"`
	ProjectURL string `desc:"Web URL of the calendar wiki project, used in footers"`
}

// Delivery contains the outbound relay configuration.
type Delivery struct {
	Host      string        `required:"true" default:"localhost" desc:"Outbound SMTP relay host"`
	Port      int           `required:"true" default:"465" desc:"Outbound SMTP relay port"`
	Username  string        `desc:"Outbound SMTP user name"`
	Password  string        `desc:"Outbound SMTP password"`
	TLS       string        `required:"true" default:"implicit" desc:"implicit, starttls, or none"`
	ChunkSize int           `required:"true" default:"45" desc:"Maximum recipients per outbound transaction"`
	Workers   int           `required:"true" default:"4" desc:"Concurrent outbound transactions"`
	Timeout   time.Duration `required:"true" default:"60s" desc:"Outbound transaction timeout, 0 for none"`
	Debug     bool          `required:"true" default:"false" desc:"Log outbound mail instead of sending"`
	Test      bool          `required:"true" default:"false" desc:"Reflect outbound mail to the original sender"`
}

// Process loads and parses configuration from the environment.
func Process() (*Root, error) {
	c := &Root{}
	err := envconfig.Process(prefix, c)
	if err != nil {
		return c, err
	}
	c.Gateway.Domain = strings.ToLower(c.Gateway.Domain)
	if !c.Security.Enforce && !c.IsAllowedSender(testSender) {
		c.Gateway.AllowSenders = append(c.Gateway.AllowSenders, testSender)
	}
	return c, nil
}

// IsAllowedSender reports whether addr is on the explicit allow list.
func (c *Root) IsAllowedSender(addr string) bool {
	addr = strings.ToLower(strings.TrimSpace(addr))
	for _, s := range c.Gateway.AllowSenders {
		if strings.ToLower(strings.TrimSpace(s)) == addr {
			return true
		}
	}
	return false
}

// Usage prints out the envconfig usage to Stderr.
func Usage() {
	tabs := tabwriter.NewWriter(os.Stderr, 1, 0, 4, ' ', 0)
	if err := envconfig.Usagef(prefix, &Root{}, tabs, tableFormat); err != nil {
		log.Fatalf("Unable to parse env config: %v", err)
	}
	tabs.Flush()
}
