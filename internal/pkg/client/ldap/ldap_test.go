package ldap

import (
	"testing"

	gldap "github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siteagent/config"
)

func TestUserFilter_Escapes(t *testing.T) {
	assert.Equal(t, "(&(objectClass=posixAccount)(mail=alice@example.org))", userFilter("mail", "alice@example.org"))
	assert.Equal(t, `(&(objectClass=posixAccount)(uid=a\2a\28x\29))`, userFilter("uid", "a*(x)"))
}

func TestEntryIdentity(t *testing.T) {
	e := gldap.NewEntry("uid=alice,ou=Peoples,dc=hpc", map[string][]string{
		"uid":       {"alice"},
		"uidNumber": {"1001"},
	})
	id, err := entryIdentity(e, "uid")
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Username)
	assert.Equal(t, 1001, id.UID)
	assert.Equal(t, "uid=alice,ou=Peoples,dc=hpc", id.DN)

	_, err = entryIdentity(gldap.NewEntry("cn=x", map[string][]string{}), "uid")
	assert.Error(t, err)
	_, err = entryIdentity(gldap.NewEntry("uid=b", map[string][]string{"uid": {"b"}, "uidNumber": {"nan"}}), "uid")
	assert.Error(t, err)
}

func TestGroupNames(t *testing.T) {
	entries := []*gldap.Entry{
		gldap.NewEntry("cn=gpu,ou=Groups", map[string][]string{"cn": {"gpu"}}),
		gldap.NewEntry("cn=alpha,ou=Groups", map[string][]string{"cn": {"alpha", " "}}),
	}
	assert.Equal(t, []string{"alpha", "gpu"}, groupNames(entries))
}

func TestBuildTLSConfig(t *testing.T) {
	cfg, err := buildTLSConfig(config.LDAP{})
	require.NoError(t, err)
	assert.Nil(t, cfg)

	cfg, err = buildTLSConfig(config.LDAP{StartTLS: true, ServerName: "ldap.hpc"})
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "ldap.hpc", cfg.ServerName)

	_, err = buildTLSConfig(config.LDAP{UseTLS: true, RootCAFile: "/nonexistent/ca.pem"})
	assert.Error(t, err)
}
