package redirect

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/al-bashkir/cms-console/internal/auth"
	"github.com/al-bashkir/cms-console/internal/config"
)

func testPolicy() Policy {
	return Policy{
		SignInPath:         "/login",
		HomePath:           "/home",
		PasswordChangePath: "/password-change",
		PublicPaths:        []string{"/login", "/signup", "/find-credentials/id", "/find-credentials/password"},
		Routes: []Route{
			{Prefix: "/services", AllowedRoles: []auth.Role{auth.RoleSuperAdmin}, Context: Admin},
			{Prefix: "/content", AllowedRoles: []auth.Role{auth.RoleAdmin, auth.RoleSiteAdmin}, Context: Regular},
			{Prefix: "/content/drafts", AllowedRoles: []auth.Role{auth.RoleSiteAdmin}, Context: Regular},
		},
		RoleLanding:    map[auth.Role]string{auth.RoleServiceAdmin: "/board"},
		DefaultLanding: "/home",
		ReturnParam:    DefaultReturnParam,
	}
}

func signedIn(role auth.Role) auth.State {
	return auth.Authenticated(auth.UserProfile{ID: "u-1", Username: "op", Role: role})
}

func TestDecide(t *testing.T) {
	mustChange := auth.Authenticated(auth.UserProfile{Username: "op", Role: auth.RoleAdmin, RequiresPasswordChange: true})

	tests := []struct {
		name     string
		state    auth.State
		location string
		want     Action
	}{
		{
			name:     "verifying shows loading",
			state:    auth.State{IsLoading: true},
			location: "/services",
			want:     Action{Kind: Loading},
		},
		{
			name:     "logging out does nothing",
			state:    auth.State{IsLoggingOut: true},
			location: "/services",
			want:     Action{Kind: None},
		},
		{
			name:     "anonymous on protected page",
			state:    auth.LoggedOut(),
			location: "/services?page=2",
			want:     Action{Kind: Navigate, Target: "/login?redirectedFrom=%2Fservices%3Fpage%3D2"},
		},
		{
			name:     "anonymous on root has no return location",
			state:    auth.LoggedOut(),
			location: "/",
			want:     Action{Kind: Navigate, Target: "/login"},
		},
		{
			name:     "anonymous on home has no return location",
			state:    auth.LoggedOut(),
			location: "/home",
			want:     Action{Kind: Navigate, Target: "/login"},
		},
		{
			name:     "anonymous on public page",
			state:    auth.LoggedOut(),
			location: "/find-credentials/password",
			want:     Action{Kind: None},
		},
		{
			name:     "anonymous on sign in",
			state:    auth.LoggedOut(),
			location: "/login?error=session_expired",
			want:     Action{Kind: None},
		},
		{
			name:     "signed in on sign in goes home",
			state:    signedIn(auth.RoleAdmin),
			location: "/login",
			want:     Action{Kind: Navigate, Target: "/home"},
		},
		{
			name:     "signed in on sign in returns to requested page",
			state:    signedIn(auth.RoleAdmin),
			location: "/login?redirectedFrom=%2Fcontent%3Fid%3D3",
			want:     Action{Kind: Navigate, Target: "/content?id=3"},
		},
		{
			name:     "open redirect is ignored",
			state:    signedIn(auth.RoleAdmin),
			location: "/login?redirectedFrom=%2F%2Fevil.example.com",
			want:     Action{Kind: Navigate, Target: "/home"},
		},
		{
			name:     "signed in on root goes home",
			state:    signedIn(auth.RoleUser),
			location: "/",
			want:     Action{Kind: Navigate, Target: "/home"},
		},
		{
			name:     "password change required",
			state:    mustChange,
			location: "/content",
			want:     Action{Kind: Navigate, Target: "/password-change"},
		},
		{
			name:     "password change page itself",
			state:    mustChange,
			location: "/password-change",
			want:     Action{Kind: None},
		},
		{
			name:     "admin context denial logs out silently",
			state:    signedIn(auth.RoleUser),
			location: "/services/s-1",
			want:     Action{Kind: Logout, Target: "/login", Notify: false},
		},
		{
			name:     "admin context allowed",
			state:    signedIn(auth.RoleSuperAdmin),
			location: "/services",
			want:     Action{Kind: None},
		},
		{
			name:     "regular context denial uses role landing",
			state:    signedIn(auth.RoleServiceAdmin),
			location: "/content",
			want:     Action{Kind: Navigate, Target: "/board"},
		},
		{
			name:     "regular context denial uses default landing",
			state:    signedIn(auth.RoleUser),
			location: "/content",
			want:     Action{Kind: Navigate, Target: "/home"},
		},
		{
			name:     "most specific route wins",
			state:    signedIn(auth.RoleAdmin),
			location: "/content/drafts/7",
			want:     Action{Kind: Navigate, Target: "/home"},
		},
		{
			name:     "prefix match respects segments",
			state:    signedIn(auth.RoleUser),
			location: "/contents",
			want:     Action{Kind: None},
		},
		{
			name:     "unguarded page",
			state:    signedIn(auth.RoleUser),
			location: "/home",
			want:     Action{Kind: None},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.state, tt.location, testPolicy()))
		})
	}
}

func TestDecideSelfTargetIsNone(t *testing.T) {
	p := testPolicy()
	p.HomePath = "/"

	// home is the current location
	got := Decide(signedIn(auth.RoleUser), "/", p)
	assert.Equal(t, Action{Kind: None}, got)
}

func TestDecideLandingItselfDenied(t *testing.T) {
	p := testPolicy()
	p.RoleLanding = map[auth.Role]string{auth.RoleUser: "/services"}

	got := Decide(signedIn(auth.RoleUser), "/content", p)
	assert.Equal(t, Action{Kind: Navigate, Target: "/home"}, got)
}

func TestDecideDeniedWithoutElsewhereToLand(t *testing.T) {
	p := testPolicy()
	p.Routes = append(p.Routes, Route{Prefix: "/home", AllowedRoles: []auth.Role{auth.RoleAdmin}, Context: Regular})

	// the fallback landing is the denied location itself
	got := Decide(signedIn(auth.RoleUser), "/home", p)
	assert.Equal(t, Action{Kind: Denied}, got)

	// elsewhere the same operator still lands on home
	got = Decide(signedIn(auth.RoleUser), "/content", p)
	assert.Equal(t, Action{Kind: Navigate, Target: "/home"}, got)
}

func TestDecideRulesAreExclusive(t *testing.T) {
	p := testPolicy()
	states := []auth.State{auth.LoggedOut(), signedIn(auth.RoleUser), signedIn(auth.RoleSuperAdmin)}
	locations := []string{"/", "/login", "/home", "/services", "/content", "/signup"}

	// following navigations must settle without bouncing back
	for _, st := range states {
		for _, loc := range locations {
			seen := map[string]bool{}
			cur := loc
			for i := 0; i < 5; i++ {
				act := Decide(st, cur, p)
				if act.Kind != Navigate {
					break
				}
				assert.False(t, seen[pathOf(act.Target)], "loop from %s via %s", loc, act.Target)
				seen[pathOf(act.Target)] = true
				cur = act.Target
			}
		}
	}
}

func TestSignInTarget(t *testing.T) {
	p := testPolicy()
	assert.Equal(t, "/login", p.SignInTarget("", ""))
	assert.Equal(t, "/login?error=session_expired", p.SignInTarget("", ReasonSessionExpired))
	assert.Equal(t, "/login?error=session_expired&redirectedFrom=%2Fservices", p.SignInTarget("/services", ReasonSessionExpired))
}

func TestSafeReturn(t *testing.T) {
	p := testPolicy()
	for raw, want := range map[string]bool{
		"/services":            true,
		"/content?id=1":        true,
		"":                     false,
		"services":             false,
		"//evil.example.com":   false,
		"/\\evil.example.com":  false,
		"https://evil.example": false,
		"/login?x=1":           false,
	} {
		_, ok := p.SafeReturn(raw)
		assert.Equal(t, want, ok, raw)
	}
}

func TestPolicyFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Routes.Guards = append(cfg.Routes.Guards, config.GuardConfig{
		Prefix:  "/board",
		Roles:   []string{"ROLE_SITE_ADMIN"},
		Context: config.GuardContextRegular,
	})
	cfg.Routes.Landing = map[string]string{"ROLE_USER": "/welcome"}

	p := PolicyFromConfig(&cfg.Routes)
	assert.Equal(t, "/login", p.SignInPath)
	assert.Equal(t, DefaultReturnParam, p.ReturnParam)
	assert.True(t, p.IsPublic("/signup"))
	assert.False(t, p.IsPublic("/services"))

	r, ok := p.Route("/services/abc")
	assert.True(t, ok)
	assert.Equal(t, Admin, r.Context)
	assert.Equal(t, []auth.Role{auth.RoleSuperAdmin, auth.RoleAdmin}, r.AllowedRoles)

	r, ok = p.Route("/board")
	assert.True(t, ok)
	assert.Equal(t, Regular, r.Context)
	assert.Equal(t, []auth.Role{auth.RoleSiteAdmin}, r.AllowedRoles)

	assert.Equal(t, "/welcome", p.Landing(auth.RoleUser))
	assert.Equal(t, "/home", p.Landing(auth.RoleAdmin))
}
