// Package synthetic generates labeled CloudTrail-style records shaped
// like the activity the detection engine targets. Generation is fully
// seeded so tests and harness runs are reproducible.
package synthetic

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"cloudsentry/pkg/cloudtrail"
)

// Config sets per-class event counts. Zero-value counts fall back to a
// roughly 80/20 normal-to-attack mix.
type Config struct {
	Normal               int
	PrivilegeEscalation  int
	DataExfiltration     int
	Reconnaissance       int
	CredentialCompromise int
	Seed                 int64
	Start                time.Time // window start; zero means 7 days ago
}

func (c Config) withDefaults() Config {
	if c.Normal <= 0 {
		c.Normal = 800
	}
	if c.PrivilegeEscalation <= 0 {
		c.PrivilegeEscalation = 50
	}
	if c.DataExfiltration <= 0 {
		c.DataExfiltration = 50
	}
	if c.Reconnaissance <= 0 {
		c.Reconnaissance = 50
	}
	if c.CredentialCompromise <= 0 {
		c.CredentialCompromise = 50
	}
	if c.Start.IsZero() {
		c.Start = time.Now().UTC().AddDate(0, 0, -7).Truncate(time.Hour)
	}
	return c
}

var (
	userPool = []string{"alice", "bob", "charlie", "david", "emma", "frank"}

	normalReads = map[string][]string{
		"s3.amazonaws.com":     {"GetObject", "ListBucket", "HeadObject"},
		"ec2.amazonaws.com":    {"DescribeInstances", "DescribeVolumes"},
		"rds.amazonaws.com":    {"DescribeDBInstances"},
		"iam.amazonaws.com":    {"GetUser", "ListUsers"},
		"lambda.amazonaws.com": {"ListFunctions", "GetFunction"},
	}
	normalServices = []string{
		"s3.amazonaws.com", "ec2.amazonaws.com", "rds.amazonaws.com",
		"iam.amazonaws.com", "lambda.amazonaws.com",
	}

	privilegeActions = []string{
		"AttachUserPolicy", "AttachRolePolicy", "PutUserPolicy",
		"PutRolePolicy", "CreateAccessKey", "UpdateAccessKey",
	}

	reconTargets = []struct{ service, action string }{
		{"ec2.amazonaws.com", "DescribeInstances"},
		{"ec2.amazonaws.com", "DescribeSecurityGroups"},
		{"ec2.amazonaws.com", "DescribeVpcs"},
		{"s3.amazonaws.com", "ListBuckets"},
		{"s3.amazonaws.com", "GetBucketAcl"},
		{"iam.amazonaws.com", "ListUsers"},
		{"iam.amazonaws.com", "ListRoles"},
		{"iam.amazonaws.com", "GetAccountSummary"},
		{"rds.amazonaws.com", "DescribeDBInstances"},
		{"lambda.amazonaws.com", "ListFunctions"},
	}

	// Known Tor exit / VPN / proxy addresses, rotated per event.
	suspiciousIPs = []string{
		"185.220.100.240", "185.220.101.1", "45.141.215.1", "198.98.48.1",
	}
)

// Generator produces labeled record batches.
type Generator struct {
	cfg Config
	rng *rand.Rand
	seq int
}

// New creates a generator with its own seeded RNG.
func New(cfg Config) *Generator {
	cfg = cfg.withDefaults()
	return &Generator{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}
}

// Generate returns records sorted by event time plus their label set.
func (g *Generator) Generate() ([]cloudtrail.Record, cloudtrail.LabelSet) {
	total := g.cfg.Normal + g.cfg.PrivilegeEscalation + g.cfg.DataExfiltration +
		g.cfg.Reconnaissance + g.cfg.CredentialCompromise
	records := make([]cloudtrail.Record, 0, total)
	labels := make(cloudtrail.LabelSet, total)

	emit := func(n int, label int, build func() cloudtrail.Record) {
		for i := 0; i < n; i++ {
			rec := build()
			records = append(records, rec)
			labels[rec.EventID] = label
		}
	}
	emit(g.cfg.Normal, cloudtrail.LabelNormal, g.normalEvent)
	emit(g.cfg.PrivilegeEscalation, cloudtrail.LabelPrivilegeEscalation, g.privilegeEscalation)
	emit(g.cfg.DataExfiltration, cloudtrail.LabelDataExfiltration, g.dataExfiltration)
	emit(g.cfg.Reconnaissance, cloudtrail.LabelReconnaissance, g.reconnaissance)
	emit(g.cfg.CredentialCompromise, cloudtrail.LabelCredentialCompromise, g.credentialCompromise)

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].EventTime.Before(records[j].EventTime)
	})
	return records, labels
}

// normalEvent: business-hours MFA'd read from an internal address.
func (g *Generator) normalEvent() cloudtrail.Record {
	service := normalServices[g.rng.Intn(len(normalServices))]
	actions := normalReads[service]
	return cloudtrail.Record{
		EventID:          g.eventID("normal"),
		EventTime:        g.timestampAt(9 + g.rng.Intn(9)),
		EventName:        actions[g.rng.Intn(len(actions))],
		EventSource:      service,
		AWSRegion:        []string{"us-east-1", "us-west-2"}[g.rng.Intn(2)],
		SourceIPAddress:  fmt.Sprintf("10.0.%d.%d", 1+g.rng.Intn(255), 1+g.rng.Intn(255)),
		UserName:         g.user(),
		UserType:         "IAMUser",
		AccountID:        "123456789012",
		ErrorCode:        cloudtrail.NoError,
		MFAAuthenticated: true,
		ReadOnly:         true,
	}
}

// privilegeEscalation: off-hours no-MFA IAM mutation from outside.
func (g *Generator) privilegeEscalation() cloudtrail.Record {
	errorCode := cloudtrail.NoError
	if g.rng.Intn(2) == 0 {
		errorCode = "AccessDenied"
	}
	return cloudtrail.Record{
		EventID:          g.eventID("privesc"),
		EventTime:        g.timestampAt([]int{2, 3, 4, 23, 0, 1}[g.rng.Intn(6)]),
		EventName:        privilegeActions[g.rng.Intn(len(privilegeActions))],
		EventSource:      "iam.amazonaws.com",
		AWSRegion:        "us-east-1",
		SourceIPAddress:  g.externalIP(100, 200),
		UserName:         g.user(),
		UserType:         "IAMUser",
		AccountID:        "123456789012",
		ErrorCode:        errorCode,
		MFAAuthenticated: false,
		ReadOnly:         false,
	}
}

// dataExfiltration: off-hours mass object reads of sensitive keys.
func (g *Generator) dataExfiltration() cloudtrail.Record {
	return cloudtrail.Record{
		EventID:          g.eventID("exfil"),
		EventTime:        g.timestampAt([]int{22, 23, 0, 1, 2, 3}[g.rng.Intn(6)]),
		EventName:        "GetObject",
		EventSource:      "s3.amazonaws.com",
		AWSRegion:        "us-east-1",
		SourceIPAddress:  g.externalIP(50, 100),
		UserName:         g.user(),
		UserType:         "IAMUser",
		AccountID:        "123456789012",
		ErrorCode:        cloudtrail.NoError,
		MFAAuthenticated: false,
		ReadOnly:         true,
	}
}

// reconnaissance: wide Describe/List sweeps across services.
func (g *Generator) reconnaissance() cloudtrail.Record {
	target := reconTargets[g.rng.Intn(len(reconTargets))]
	return cloudtrail.Record{
		EventID:          g.eventID("recon"),
		EventTime:        g.timestampAt(g.rng.Intn(24)),
		EventName:        target.action,
		EventSource:      target.service,
		AWSRegion:        "us-east-1",
		SourceIPAddress:  g.externalIP(150, 200),
		UserName:         g.user(),
		UserType:         "IAMUser",
		AccountID:        "123456789012",
		ErrorCode:        cloudtrail.NoError,
		MFAAuthenticated: false,
		ReadOnly:         true,
	}
}

// credentialCompromise: console sign-in bursts from rotating Tor/VPN
// addresses, roughly half failing authentication.
func (g *Generator) credentialCompromise() cloudtrail.Record {
	errorCode := cloudtrail.NoError
	if g.rng.Intn(2) == 0 {
		errorCode = "Failed authentication"
	}
	return cloudtrail.Record{
		EventID:          g.eventID("cred"),
		EventTime:        g.timestampAt(g.rng.Intn(24)),
		EventName:        "ConsoleLogin",
		EventSource:      "signin.amazonaws.com",
		AWSRegion:        "us-east-1",
		SourceIPAddress:  suspiciousIPs[g.rng.Intn(len(suspiciousIPs))],
		UserName:         g.user(),
		UserType:         "IAMUser",
		AccountID:        "123456789012",
		ErrorCode:        errorCode,
		MFAAuthenticated: false,
		ReadOnly:         false,
	}
}

func (g *Generator) user() string {
	return userPool[g.rng.Intn(len(userPool))]
}

// timestampAt picks a random day offset within the 7-day window and
// pins the hour to the class's characteristic band.
func (g *Generator) timestampAt(hour int) time.Time {
	day := g.rng.Intn(7)
	minute := g.rng.Intn(60)
	second := g.rng.Intn(60)
	return g.cfg.Start.AddDate(0, 0, day).
		Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute + time.Duration(second)*time.Second)
}

func (g *Generator) externalIP(lo, hi int) string {
	return fmt.Sprintf("%d.%d.%d.%d",
		lo+g.rng.Intn(hi-lo), 1+g.rng.Intn(255), 1+g.rng.Intn(255), 1+g.rng.Intn(255))
}

func (g *Generator) eventID(kind string) string {
	g.seq++
	return fmt.Sprintf("evt-%s-%06d-%04d", kind, g.rng.Intn(900000)+100000, g.seq)
}
