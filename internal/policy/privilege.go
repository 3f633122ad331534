package policy

import (
	"fmt"
	"hash/crc32"
)

// PrivilegeType tags the privilege variant. IAM role bindings are currently
// the only case; the tag exists so provisioners can register per variant.
type PrivilegeType string

const PrivilegeIamRoleBinding PrivilegeType = "iam-role-binding"

// Privilege is what joining a group actually grants on the cloud side.
type Privilege interface {
	PrivilegeType() PrivilegeType

	// Checksum is a stable fingerprint of the privilege's configuration,
	// used to detect drift between policy and live cloud state.
	Checksum() uint32
}

// IamRoleBinding grants a role on a resource, optionally narrowed by an
// extra CEL condition that is AND-ed with the temporary-access window.
type IamRoleBinding struct {
	Resource    string
	Role        string
	Description string
	Condition   string
}

func (b *IamRoleBinding) PrivilegeType() PrivilegeType { return PrivilegeIamRoleBinding }

// Checksum fingerprints (resource, role, condition, description) with CRC32.
// The field order and separator are part of the on-the-wire drift contract
// and must not change.
func (b *IamRoleBinding) Checksum() uint32 {
	payload := fmt.Sprintf("%s\x00%s\x00%s\x00%s", b.Resource, b.Role, b.Condition, b.Description)
	return crc32.ChecksumIEEE([]byte(payload))
}

func (b *IamRoleBinding) String() string {
	return fmt.Sprintf("%s on %s", b.Role, b.Resource)
}
