package vault

import "fmt"

// Role 是金库识别的两种调用角色。
type Role string

const (
	RoleOwner    Role = "owner"
	RoleExecutor Role = "executor"
)

// ParseRole 解析角色名称。
func ParseRole(raw string) (Role, error) {
	switch Role(raw) {
	case RoleOwner, RoleExecutor:
		return Role(raw), nil
	default:
		return "", fmt.Errorf("unknown role %q", raw)
	}
}

// Capability 是由金库签发的角色凭证。字段不可导出，只能通过
// OwnerCapability 或 ExecutorCapability 获取，零值不具备任何权限。
type Capability struct {
	issuer  *Vault
	role    Role
	subject string
}

// Role 返回凭证角色。
func (c Capability) Role() Role { return c.role }

// Subject 返回凭证持有人标识，用于审计。
func (c Capability) Subject() string { return c.subject }

// As 返回绑定到指定持有人的凭证副本。
func (c Capability) As(subject string) Capability {
	c.subject = subject
	return c
}

// OwnerCapability 签发所有者凭证。
func (v *Vault) OwnerCapability() Capability {
	return Capability{issuer: v, role: RoleOwner, subject: string(RoleOwner)}
}

// ExecutorCapability 签发执行方凭证。
func (v *Vault) ExecutorCapability() Capability {
	return Capability{issuer: v, role: RoleExecutor, subject: string(RoleExecutor)}
}

// CapabilityFor 按角色签发凭证。
func (v *Vault) CapabilityFor(role Role, subject string) (Capability, error) {
	switch role {
	case RoleOwner:
		return v.OwnerCapability().As(subject), nil
	case RoleExecutor:
		return v.ExecutorCapability().As(subject), nil
	default:
		return Capability{}, reject(CodeNotAuthorized, fmt.Sprintf("unknown role %q", role))
	}
}

func (v *Vault) authorize(c Capability, required Role) error {
	if c.issuer != v || c.role != required {
		return reject(CodeNotAuthorized, fmt.Sprintf("%s capability required", required))
	}
	return nil
}
