package domain

// Principal is the caller on whose behalf an operation runs. Identity is
// resolved upstream; ID is an opaque reference.
type Principal struct {
	ID       string `json:"id"`
	Elevated bool   `json:"elevated"`
}

// CanModify applies the owner-or-elevated rule.
func (p Principal) CanModify(process ImportProcess) bool {
	if p.Elevated {
		return true
	}
	return p.ID != "" && p.ID == process.OwnerID
}
