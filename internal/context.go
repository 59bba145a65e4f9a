package internal

import "context"

type ctxKey string

const ContextPrincipalKey ctxKey = "principal"

const (
	RoleMerchant = "merchant"
	RoleAdmin    = "admin"
)

// Principal is the authenticated caller every charge operation is scoped to.
type Principal struct {
	MerchantID string `json:"merchant_id"`
	Role       string `json:"role"`
}

// CanManageCharges reports whether the role may use the charge API at all.
func (p Principal) CanManageCharges() bool {
	if p.MerchantID == "" {
		return false
	}
	return p.Role == RoleMerchant || p.Role == RoleAdmin
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	p, ok := ctx.Value(ContextPrincipalKey).(Principal)
	return p, ok
}

func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ContextPrincipalKey, p)
}
