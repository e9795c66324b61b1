package domain

// Role is the caller's relation to the transaction being acted on.
type Role string

const (
	RoleBuyer   Role = "buyer"
	RoleSeller  Role = "seller"
	RoleAdmin   Role = "admin"
	RoleSystem  Role = "system"
	RoleCarrier Role = "carrier"
)

// Principal is the authenticated caller as resolved by the identity layer.
type Principal struct {
	UserID string
	Admin  bool
}

// RoleFor resolves the caller's role on a transaction. Admin wins over party
// membership; a caller who is neither party nor admin gets ok == false.
func RoleFor(p Principal, txn *Transaction) (Role, bool) {
	switch {
	case p.Admin:
		return RoleAdmin, true
	case p.UserID != "" && p.UserID == txn.BuyerID:
		return RoleBuyer, true
	case p.UserID != "" && p.UserID == txn.SellerID:
		return RoleSeller, true
	default:
		return "", false
	}
}
