package subscriptions

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vecino-dev/vecino/pkg/auth"
)

func TestApplyDemotion(t *testing.T) {
	t.Run("records roles and returns everyone to demote", func(t *testing.T) {
		snap := &RoleSnapshot{}
		members := []memberState{
			{UserID: 2, Role: auth.RoleResident},
			{UserID: 3, Role: auth.RoleSecurity},
		}

		demoted := applyDemotion(snap, 1, auth.RoleCommunityOwner, members)

		assert.Equal(t, []int64{1, 2, 3}, demoted)
		assert.Equal(t, auth.RoleCommunityOwner, snap.OwnerRole)
		role, ok := snap.MemberRole(2)
		assert.True(t, ok)
		assert.Equal(t, auth.RoleResident, role)
		role, ok = snap.MemberRole(3)
		assert.True(t, ok)
		assert.Equal(t, auth.RoleSecurity, role)
	})

	t.Run("skips identities already at the floor", func(t *testing.T) {
		snap := &RoleSnapshot{}
		members := []memberState{
			{UserID: 2, Role: auth.RoleGuest},
			{UserID: 3, Role: auth.RoleResident},
		}

		demoted := applyDemotion(snap, 1, auth.RoleCommunityOwner, members)

		assert.Equal(t, []int64{1, 3}, demoted)
		_, ok := snap.MemberRole(2)
		assert.False(t, ok)
	})

	t.Run("second pass over demoted population is a no-op", func(t *testing.T) {
		snap := &RoleSnapshot{}
		members := []memberState{{UserID: 2, Role: auth.RoleSecurity}}
		applyDemotion(snap, 1, auth.RoleCommunityOwner, members)

		// after the first pass everyone is at the floor
		demoted := applyDemotion(snap, 1, auth.FloorRole, []memberState{{UserID: 2, Role: auth.FloorRole}})

		assert.Empty(t, demoted)
		assert.Equal(t, auth.RoleCommunityOwner, snap.OwnerRole)
		role, _ := snap.MemberRole(2)
		assert.Equal(t, auth.RoleSecurity, role)
	})

	t.Run("interleaved demote never clobbers the snapshot", func(t *testing.T) {
		// a retried demotion that somehow observes a member still elevated
		// must keep the original recorded role
		snap := &RoleSnapshot{}
		applyDemotion(snap, 1, auth.RoleCommunityOwner, []memberState{{UserID: 2, Role: auth.RoleSecurity}})
		applyDemotion(snap, 1, auth.RoleCommunityOwner, []memberState{{UserID: 2, Role: auth.RoleResident}})

		role, _ := snap.MemberRole(2)
		assert.Equal(t, auth.RoleSecurity, role)
	})
}

func TestRoleSnapshot(t *testing.T) {
	t.Run("record owner only once", func(t *testing.T) {
		snap := &RoleSnapshot{}
		assert.True(t, snap.RecordOwner(auth.RoleCommunityOwner))
		assert.False(t, snap.RecordOwner(auth.RoleAdmin))
		assert.Equal(t, auth.RoleCommunityOwner, snap.OwnerRole)
	})

	t.Run("record member only once", func(t *testing.T) {
		snap := &RoleSnapshot{}
		assert.True(t, snap.RecordMember(2, auth.RoleSecurity))
		assert.False(t, snap.RecordMember(2, auth.RoleResident))
		role, _ := snap.MemberRole(2)
		assert.Equal(t, auth.RoleSecurity, role)
	})

	t.Run("reset empties the snapshot", func(t *testing.T) {
		snap := &RoleSnapshot{}
		snap.RecordOwner(auth.RoleCommunityOwner)
		snap.RecordMember(2, auth.RoleResident)
		assert.False(t, snap.IsEmpty())

		snap.Reset()
		assert.True(t, snap.IsEmpty())
	})
}
