package license

// StatusSnapshot is a read-only projection of a token and its ledger state.
type StatusSnapshot struct {
	HasToken       bool   `json:"has_token"`
	Activated      bool   `json:"activated"`
	IssueTime      int64  `json:"issue_time"`
	ExpireTime     int64  `json:"expire_time"`
	StateIndex     uint64 `json:"state_index"`
	TokenID        string `json:"token_id"`
	HolderDeviceID string `json:"holder_device_id"`
	AppID          string `json:"app_id"`
	LicenseCode    string `json:"license_code"`
	Role           string `json:"role,omitempty"`
	Expired        bool   `json:"expired"`
	// EnvironmentMismatch is set when the token is pinned to another host
	// environment and the policy only warns about it.
	EnvironmentMismatch bool `json:"environment_mismatch,omitempty"`
}

// NewStatusSnapshot projects t as seen from localDeviceID. A nil token yields
// an empty snapshot.
func NewStatusSnapshot(t *Token, localDeviceID string) StatusSnapshot {
	if t == nil {
		return StatusSnapshot{}
	}
	return StatusSnapshot{
		HasToken:       true,
		Activated:      t.IsBound() && t.HolderDeviceID == localDeviceID,
		IssueTime:      t.IssueTime,
		ExpireTime:     t.ExpireTime,
		StateIndex:     t.StateIndex,
		TokenID:        t.TokenID,
		HolderDeviceID: t.HolderDeviceID,
		AppID:          t.AppID,
		LicenseCode:    t.LicenseCode,
	}
}
