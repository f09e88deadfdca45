package services

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/CallMeGwei/paycheck/internal/crypto"
	"github.com/CallMeGwei/paycheck/internal/models"
	"github.com/CallMeGwei/paycheck/internal/repository"
	"github.com/CallMeGwei/paycheck/internal/token"
)

var testConnStr string

func TestMain(m *testing.M) {
	flag.Parse()

	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("paycheck_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}

	testConnStr, err = container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get connection string: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	if err := container.Terminate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to terminate container: %v\n", err)
	}

	os.Exit(code)
}

// freshDB creates an isolated database, runs the operational migrations, and
// returns a connected store.
func freshDB(t *testing.T) *repository.PostgresDB {
	t.Helper()

	dbName := fmt.Sprintf("test_%d", time.Now().UnixNano())

	admin, err := sql.Open("pgx", testConnStr)
	require.NoError(t, err)
	_, err = admin.Exec(fmt.Sprintf("CREATE DATABASE %s", dbName))
	require.NoError(t, err)
	require.NoError(t, admin.Close())

	connStr := replaceDBName(testConnStr, dbName)
	require.NoError(t, repository.MigrateOperational(connStr))

	db, err := repository.NewPostgresDB(connStr)
	require.NoError(t, err)

	t.Cleanup(func() {
		db.Close()
		admin, err := sql.Open("pgx", testConnStr)
		if err == nil {
			_, _ = admin.Exec(fmt.Sprintf("DROP DATABASE %s WITH (FORCE)", dbName))
			_ = admin.Close()
		}
	})

	return db
}

func replaceDBName(connStr, newDB string) string {
	qIdx := len(connStr)
	for i, c := range connStr {
		if c == '?' {
			qIdx = i
			break
		}
	}
	slashIdx := 0
	for i := qIdx - 1; i >= 0; i-- {
		if connStr[i] == '/' {
			slashIdx = i
			break
		}
	}
	return connStr[:slashIdx+1] + newDB + connStr[qIdx:]
}

// testEnv wires the full service set against one fresh database.
type testEnv struct {
	db       *repository.PostgresDB
	users    *UserService
	orgs     *OrgService
	projects *ProjectService
	products *ProductService
	licenses *LicenseService
	devices  *DeviceService
	payments *PaymentService
	authz    *AuthzService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := freshDB(t)
	vault, err := crypto.NewVault([]byte("paycheck-dev-master-key-32bytes!"))
	require.NoError(t, err)
	signers, err := token.NewSignerCache(8)
	require.NoError(t, err)

	env := &testEnv{db: db}
	env.users = NewUserService(db)
	env.orgs = NewOrgService(db, vault)
	env.projects = NewProjectService(db, vault, signers, 7)
	env.products = NewProductService(db)
	env.licenses = NewLicenseService(db)
	env.devices = NewDeviceService(db)
	env.payments = NewPaymentService(db, env.licenses)
	env.authz = NewAuthzService(env.users, env.orgs, env.projects)
	return env
}

// seedLicense creates org → project → product → license with the given limits.
func seedLicense(t *testing.T, env *testEnv, deviceLimit, activationLimit int) (*models.Project, *models.Product, *models.License) {
	t.Helper()
	ctx := context.Background()

	org, err := env.orgs.CreateOrg(ctx, "Test Org")
	require.NoError(t, err)
	project, err := env.projects.CreateProject(ctx, org.ID, "Test Project", "TEST")
	require.NoError(t, err)
	product, err := env.products.CreateProduct(ctx, project.ID, CreateProductInput{
		Name:            "Test Product",
		Tier:            "pro",
		DeviceLimit:     deviceLimit,
		ActivationLimit: activationLimit,
		Features:        []string{"pro"},
	})
	require.NoError(t, err)
	license, err := env.licenses.CreateLicense(ctx, CreateLicenseInput{
		ProjectID: project.ID,
		ProductID: product.ID,
		KeyPrefix: project.LicenseKeyPrefix,
		Email:     "alice@example.com",
	})
	require.NoError(t, err)
	return project, product, license
}

func (env *testEnv) acquire(ctx context.Context, license *models.License, deviceID string, deviceLimit, activationLimit int) (*AcquireResult, error) {
	return env.devices.AcquireDevice(ctx, license.ID, deviceID, models.DeviceUUID,
		token.NewJTI(), "", deviceLimit, activationLimit)
}

// --- Device acquisition (P1/P2) ---------------------------------------------

func TestAcquireDevice_CreateThenRenew(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	env := newTestEnv(t)
	ctx := context.Background()
	_, _, license := seedLicense(t, env, 3, 0)

	first, err := env.acquire(ctx, license, "d1", 3, 0)
	require.NoError(t, err)
	assert.True(t, first.Created)

	// Same device again: renewal, jti rotated, no new activation.
	second, err := env.acquire(ctx, license, "d1", 3, 0)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Device.ID, second.Device.ID)
	assert.NotEqual(t, first.Device.JTI, second.Device.JTI)

	reloaded, err := env.licenses.GetLicense(ctx, license.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.ActivationCount)

	count, err := env.devices.CountDevices(ctx, license.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestAcquireDevice_DeviceLimitRace(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	env := newTestEnv(t)
	ctx := context.Background()
	_, _, license := seedLicense(t, env, 3, 0)

	// Fill to limit-1.
	_, err := env.acquire(ctx, license, "d1", 3, 0)
	require.NoError(t, err)
	_, err = env.acquire(ctx, license, "d2", 3, 0)
	require.NoError(t, err)

	// Two distinct devices race for the last slot: exactly one is admitted.
	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, deviceID := range []string{"d3", "d4"} {
		wg.Add(1)
		go func(i int, deviceID string) {
			defer wg.Done()
			_, results[i] = env.acquire(ctx, license, deviceID, 3, 0)
		}(i, deviceID)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrDeviceLimitReached)
		}
	}
	assert.Equal(t, 1, succeeded)

	count, err := env.devices.CountDevices(ctx, license.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, count, "device count overshot the limit")
}

func TestAcquireDevice_ConcurrentSameDevice(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	env := newTestEnv(t)
	ctx := context.Background()
	_, _, license := seedLicense(t, env, 1, 0)

	// Identical concurrent redemptions: both succeed, one row, one activation.
	var wg sync.WaitGroup
	results := make([]*AcquireResult, 4)
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.acquire(ctx, license, "d1", 1, 0)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 4; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "d1", results[i].Device.DeviceID)
	}

	count, err := env.devices.CountDevices(ctx, license.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "same device id must map to one row")

	reloaded, err := env.licenses.GetLicense(ctx, license.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.ActivationCount)
}

func TestAcquireDevice_ActivationLimitOutlivesDeactivation(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	env := newTestEnv(t)
	ctx := context.Background()
	_, _, license := seedLicense(t, env, 0, 2)

	_, err := env.acquire(ctx, license, "d1", 0, 2)
	require.NoError(t, err)
	_, err = env.acquire(ctx, license, "d2", 0, 2)
	require.NoError(t, err)

	// Deactivation frees the device slot but not the lifetime activation.
	remaining, err := env.devices.DeactivateDevice(ctx, license.ID, "d1")
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)

	reloaded, err := env.licenses.GetLicense(ctx, license.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.ActivationCount)

	_, err = env.acquire(ctx, license, "d3", 0, 2)
	assert.ErrorIs(t, err, ErrActivationLimitReached)
}

func TestDeactivateDevice_RevokesJTI(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	env := newTestEnv(t)
	ctx := context.Background()
	_, _, license := seedLicense(t, env, 0, 0)

	acquired, err := env.acquire(ctx, license, "d1", 0, 0)
	require.NoError(t, err)
	jti := acquired.Device.JTI

	_, err = env.devices.DeactivateDevice(ctx, license.ID, "d1")
	require.NoError(t, err)

	reloaded, err := env.licenses.GetLicense(ctx, license.ID)
	require.NoError(t, err)
	assert.Contains(t, reloaded.RevokedJTIs, jti)

	_, err = env.devices.GetDeviceByJTI(ctx, jti)
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	_, err = env.devices.DeactivateDevice(ctx, license.ID, "d1")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

// --- Activation code CAS (P3) -----------------------------------------------

func TestConsumeActivationCode_OneShot(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	env := newTestEnv(t)
	ctx := context.Background()
	project, _, license := seedLicense(t, env, 0, 0)

	_, code, err := env.licenses.CreateActivationCode(ctx, license.ID, project.LicenseKeyPrefix)
	require.NoError(t, err)

	licenseID, err := env.licenses.ConsumeActivationCode(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, license.ID, licenseID)

	// A second flip fails exactly like an unknown code.
	_, err = env.licenses.ConsumeActivationCode(ctx, code)
	assert.ErrorIs(t, err, ErrInvalidCode)

	_, err = env.licenses.ConsumeActivationCode(ctx, "TEST-XXXX-XXXX-XXXX-XXXX")
	assert.ErrorIs(t, err, ErrInvalidCode)
}

func TestConsumeActivationCode_ConcurrentSingleWinner(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	env := newTestEnv(t)
	ctx := context.Background()
	project, _, license := seedLicense(t, env, 0, 0)

	_, code, err := env.licenses.CreateActivationCode(ctx, license.ID, project.LicenseKeyPrefix)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.licenses.ConsumeActivationCode(ctx, code)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, ErrInvalidCode)
		}
	}
	assert.Equal(t, 1, winners)
}

// --- Webhook dedup and session claiming (P4/P5) -----------------------------

func TestMarkEventProcessed_Idempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	env := newTestEnv(t)
	ctx := context.Background()

	fresh, err := env.payments.MarkEventProcessed(ctx, models.ProviderStripe, "evt_111")
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = env.payments.MarkEventProcessed(ctx, models.ProviderStripe, "evt_111")
	require.NoError(t, err)
	assert.False(t, fresh)

	// Same event id under another provider is a distinct anchor.
	fresh, err = env.payments.MarkEventProcessed(ctx, models.ProviderLemonSqueezy, "evt_111")
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestMarkEventProcessed_ConcurrentDuplicates(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	env := newTestEnv(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	claims := make([]bool, 6)
	errs := make([]error, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claims[i], errs[i] = env.payments.MarkEventProcessed(ctx, models.ProviderStripe, "evt_race")
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := range claims {
		require.NoError(t, errs[i])
		if claims[i] {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

func TestCompleteCheckout_ExactlyOneLicense(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	env := newTestEnv(t)
	ctx := context.Background()
	project, product, _ := seedLicense(t, env, 0, 0)

	session, err := env.payments.CreateSession(ctx, product.ID, "cust-1", "")
	require.NoError(t, err)

	input := CompleteCheckoutInput{
		SessionID: session.ID,
		Product:   product,
		Project:   project,
		Email:     "buyer@example.com",
		Provider:  models.ProviderStripe,
	}

	// Concurrent deliveries of the same completed checkout: one claim wins.
	var wg sync.WaitGroup
	licenses := make([]*models.License, 4)
	claimed := make([]bool, 4)
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			licenses[i], claimed[i], errs[i] = env.payments.CompleteCheckout(ctx, input)
		}(i)
	}
	wg.Wait()

	winners := 0
	var created *models.License
	for i := range claimed {
		require.NoError(t, errs[i])
		if claimed[i] {
			winners++
			created = licenses[i]
		}
	}
	require.Equal(t, 1, winners)
	require.NotNil(t, created)

	// Exactly one license exists and the session points at it.
	var total int
	require.NoError(t, env.db.Pool().QueryRow(ctx,
		"SELECT COUNT(*) FROM licenses WHERE product_id = $1 AND payment_provider = 'stripe'",
		product.ID).Scan(&total))
	assert.Equal(t, 1, total)

	reloaded, err := env.payments.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.Completed)
	require.NotNil(t, reloaded.LicenseID)
	assert.Equal(t, created.ID, *reloaded.LicenseID)
	assert.Equal(t, "cust-1", created.CustomerID)
	assert.Equal(t, crypto.HashEmail("buyer@example.com"), created.EmailHash)
}

// --- Authorization (scopes, override, hidden projects) ----------------------

func TestResolve_FullPath(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	env := newTestEnv(t)
	ctx := context.Background()
	project, _, _ := seedLicense(t, env, 0, 0)

	user, err := env.users.CreateUser(ctx, "member@example.com", "Member")
	require.NoError(t, err)
	org, err := env.orgs.GetOrg(ctx, project.OrgID)
	require.NoError(t, err)
	_, err = env.orgs.AddMember(ctx, user.ID, org.ID, models.OrgAdmin)
	require.NoError(t, err)
	_, bearer, err := env.users.CreateAPIKey(ctx, user.ID, "test", nil, nil)
	require.NoError(t, err)

	principal, err := env.authz.Resolve(ctx, ResolveRequest{Bearer: bearer, OrgID: org.ID})
	require.NoError(t, err)
	assert.Equal(t, user.ID, principal.User.ID)
	assert.Equal(t, models.OrgAdmin, principal.Member.Role)
	assert.False(t, principal.Synthesized)

	// Unknown and malformed bearers are unauthenticated.
	_, err = env.authz.Resolve(ctx, ResolveRequest{Bearer: "pc_00000000000000000000000000000000", OrgID: org.ID})
	assert.ErrorIs(t, err, ErrUnauthenticated)
	_, err = env.authz.Resolve(ctx, ResolveRequest{Bearer: "not-a-key", OrgID: org.ID})
	assert.ErrorIs(t, err, ErrUnauthenticated)

	// A user with no membership in the org is forbidden.
	stranger, err := env.users.CreateUser(ctx, "stranger@example.com", "")
	require.NoError(t, err)
	_, strangerKey, err := env.users.CreateAPIKey(ctx, stranger.ID, "test", nil, nil)
	require.NoError(t, err)
	_, err = env.authz.Resolve(ctx, ResolveRequest{Bearer: strangerKey, OrgID: org.ID})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestResolve_OperatorOverride(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	env := newTestEnv(t)
	ctx := context.Background()
	project, _, _ := seedLicense(t, env, 0, 0)

	operator, err := env.users.CreateUser(ctx, "op@example.com", "Op")
	require.NoError(t, err)
	_, err = env.users.CreateOperator(ctx, operator.ID, models.OperatorAdmin)
	require.NoError(t, err)
	_, bearer, err := env.users.CreateAPIKey(ctx, operator.ID, "op", nil, nil)
	require.NoError(t, err)

	principal, err := env.authz.Resolve(ctx, ResolveRequest{Bearer: bearer, OrgID: project.OrgID})
	require.NoError(t, err)
	assert.True(t, principal.Synthesized)
	assert.Equal(t, models.OrgOwner, principal.Member.Role)
}

func TestResolveProject_HiddenVsForbidden(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	env := newTestEnv(t)
	ctx := context.Background()
	project, _, _ := seedLicense(t, env, 0, 0)

	user, err := env.users.CreateUser(ctx, "member@example.com", "")
	require.NoError(t, err)
	member, err := env.orgs.AddMember(ctx, user.ID, project.OrgID, models.OrgMemberRoleMember)
	require.NoError(t, err)

	// A plain member with no project_members row gets a 404, not a 403.
	principal := &Principal{User: user, Member: member}
	err = env.authz.ResolveProject(ctx, principal, project.OrgID, project.ID, false)
	assert.ErrorIs(t, err, ErrProjectHidden)

	// A nonexistent project looks identical.
	err = env.authz.ResolveProject(ctx, principal, project.OrgID, uuid.New(), false)
	assert.ErrorIs(t, err, ErrProjectHidden)

	// A project in a foreign org looks identical.
	otherOrg, err := env.orgs.CreateOrg(ctx, "Other Org")
	require.NoError(t, err)
	foreign, err := env.projects.CreateProject(ctx, otherOrg.ID, "Foreign", "FRN")
	require.NoError(t, err)
	err = env.authz.ResolveProject(ctx, principal, project.OrgID, foreign.ID, false)
	assert.ErrorIs(t, err, ErrProjectHidden)

	// With an explicit view grant: reads pass, writes are forbidden — the
	// project's existence is no longer hidden from this member.
	_, err = env.projects.AddProjectMember(ctx, member.ID, project.ID, models.ProjectView)
	require.NoError(t, err)

	principal = &Principal{User: user, Member: member}
	err = env.authz.ResolveProject(ctx, principal, project.OrgID, project.ID, false)
	require.NoError(t, err)
	require.NotNil(t, principal.ProjectRole)
	assert.Equal(t, models.ProjectView, *principal.ProjectRole)
	assert.False(t, principal.CanWriteProject())

	principal = &Principal{User: user, Member: member}
	err = env.authz.ResolveProject(ctx, principal, project.OrgID, project.ID, true)
	assert.ErrorIs(t, err, ErrForbidden)

	// Org admins carry implicit access, no project_members row needed.
	admin := &Principal{User: user, Member: &models.OrgMember{
		ID: uuid.New(), UserID: user.ID, OrgID: project.OrgID, Role: models.OrgAdmin,
	}}
	err = env.authz.ResolveProject(ctx, admin, project.OrgID, project.ID, true)
	require.NoError(t, err)
	assert.True(t, admin.CanWriteProject())
}

func TestResolveProject_ScopedKey(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	env := newTestEnv(t)
	ctx := context.Background()
	project, _, _ := seedLicense(t, env, 0, 0)

	user, err := env.users.CreateUser(ctx, "scoped@example.com", "")
	require.NoError(t, err)
	member, err := env.orgs.AddMember(ctx, user.ID, project.OrgID, models.OrgAdmin)
	require.NoError(t, err)

	otherProject, err := env.projects.CreateProject(ctx, project.OrgID, "Sibling", "SIB")
	require.NoError(t, err)

	key, _, err := env.users.CreateAPIKey(ctx, user.ID, "scoped", []models.APIKeyScope{
		{OrgID: project.OrgID, ProjectID: &otherProject.ID, Access: models.AccessAdmin},
	}, nil)
	require.NoError(t, err)

	// The key reaches only the project its scope names, regardless of the
	// member's own role.
	principal := &Principal{User: user, Member: member, Key: key}
	err = env.authz.ResolveProject(ctx, principal, project.OrgID, otherProject.ID, true)
	require.NoError(t, err)

	principal = &Principal{User: user, Member: member, Key: key}
	err = env.authz.ResolveProject(ctx, principal, project.OrgID, project.ID, false)
	assert.ErrorIs(t, err, ErrForbidden)
}
