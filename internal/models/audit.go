package models

import "time"

// Action is the certLog action code.
type Action int

// Certificate store action codes
const (
	ActionNone                 Action = 0
	ActionCreate               Action = 1
	ActionConnect              Action = 2
	ActionDisconnect           Action = 3
	ActionError                Action = 4
	ActionAddUser              Action = 5
	ActionDeleteUser           Action = 6
	ActionRequestCert          Action = 7
	ActionRequestRenewal       Action = 8
	ActionRequestRevocation    Action = 9
	ActionCertCreation         Action = 10
	ActionCertCreationComplete Action = 11
	ActionCertCreationDrop     Action = 12
	ActionCertCreationReverse  Action = 13
	ActionRestartCleanup       Action = 14
	ActionRestartRevokeCert    Action = 15
	ActionIssueCert            Action = 16
	ActionIssueCRL             Action = 17
	ActionRevokeCert           Action = 18
	ActionExpireCert           Action = 19
	ActionCleanup              Action = 20
)

var actionNames = map[Action]string{
	ActionNone:                 "none",
	ActionCreate:               "create",
	ActionConnect:              "connect",
	ActionDisconnect:           "disconnect",
	ActionError:                "error",
	ActionAddUser:              "add_user",
	ActionDeleteUser:           "delete_user",
	ActionRequestCert:          "request_cert",
	ActionRequestRenewal:       "request_renewal",
	ActionRequestRevocation:    "request_revocation",
	ActionCertCreation:         "cert_creation",
	ActionCertCreationComplete: "cert_creation_complete",
	ActionCertCreationDrop:     "cert_creation_drop",
	ActionCertCreationReverse:  "cert_creation_reverse",
	ActionRestartCleanup:       "restart_cleanup",
	ActionRestartRevokeCert:    "restart_revoke_cert",
	ActionIssueCert:            "issue_cert",
	ActionIssueCRL:             "issue_crl",
	ActionRevokeCert:           "revoke_cert",
	ActionExpireCert:           "expire_cert",
	ActionCleanup:              "cleanup",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether a is a known action code
func (a Action) Valid() bool {
	_, ok := actionNames[a]
	return ok && a != ActionNone
}

// CertLogEntry represents a row in the append-only certLog table
type CertLogEntry struct {
	Action     Action    `json:"action"`
	ActionTime time.Time `json:"action_time"`
	CertID     string    `json:"cert_id"`
	ReqCertID  string    `json:"req_cert_id,omitempty"`
	SubjCertID string    `json:"subj_cert_id,omitempty"`
	CertData   []byte    `json:"-"`
}
