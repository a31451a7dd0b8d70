package config

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/verenigingen/eboekhouden/appctx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TenantGuardPlugin scopes reads, updates and deletes on tables with a business_id
// column to the business on the statement context, and refuses inserts of rows that
// belong to another business.
//
// Raw SQL is not covered. Operator tooling bypasses the guard with
// appctx.ContextKeySkipTenantScope.
type TenantGuardPlugin struct{}

func NewTenantGuardPlugin() *TenantGuardPlugin { return &TenantGuardPlugin{} }

func (p *TenantGuardPlugin) Name() string { return "tenant_guard" }

func (p *TenantGuardPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()
	if err := cb.Query().Before("gorm:query").Register("tenant_guard:query", tenantScope); err != nil {
		return err
	}
	if err := cb.Row().Before("gorm:row").Register("tenant_guard:row", tenantScope); err != nil {
		return err
	}
	if err := cb.Update().Before("gorm:update").Register("tenant_guard:update", tenantScope); err != nil {
		return err
	}
	if err := cb.Delete().Before("gorm:delete").Register("tenant_guard:delete", tenantScope); err != nil {
		return err
	}
	return cb.Create().Before("gorm:create").Register("tenant_guard:create", tenantCheckCreate)
}

func guardedBusinessId(db *gorm.DB) string {
	if db == nil || db.Statement == nil || db.Statement.Context == nil || db.Statement.Schema == nil {
		return ""
	}
	ctx := db.Statement.Context
	if skip, ok := appctx.GetBool(ctx, appctx.ContextKeySkipTenantScope); ok && skip {
		return ""
	}
	if db.Statement.Schema.LookUpField("business_id") == nil {
		return ""
	}
	return businessIdFromContext(ctx)
}

func tenantScope(db *gorm.DB) {
	businessID := guardedBusinessId(db)
	if businessID == "" {
		return
	}
	// Don't duplicate an explicit tenant filter.
	if whereHasBusinessID(db.Statement.Clauses["WHERE"]) {
		return
	}
	db.Statement.AddClause(clause.Where{
		Exprs: []clause.Expression{
			clause.Eq{
				Column: clause.Column{Table: db.Statement.Table, Name: "business_id"},
				Value:  businessID,
			},
		},
	})
}

func tenantCheckCreate(db *gorm.DB) {
	businessID := guardedBusinessId(db)
	if businessID == "" {
		return
	}
	field := db.Statement.Schema.LookUpField("business_id")
	rv := db.Statement.ReflectValue
	check := func(v reflect.Value) {
		raw, zero := field.ValueOf(db.Statement.Context, v)
		if zero {
			return
		}
		if got, ok := raw.(string); ok && got != businessID {
			_ = db.AddError(fmt.Errorf("tenant guard: row of business %q written under %q", got, businessID))
		}
	}
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			check(reflect.Indirect(rv.Index(i)))
		}
	case reflect.Struct:
		check(rv)
	}
}

func businessIdFromContext(ctx context.Context) string {
	v, _ := appctx.GetString(ctx, appctx.ContextKeyBusinessId)
	return strings.TrimSpace(v)
}

func whereHasBusinessID(c clause.Clause) bool {
	w, ok := c.Expression.(clause.Where)
	if !ok {
		return false
	}
	for _, e := range w.Exprs {
		if exprHasBusinessID(e) {
			return true
		}
	}
	return false
}

func exprHasBusinessID(e clause.Expression) bool {
	switch v := e.(type) {
	case clause.Eq:
		return colIsBusinessID(v.Column)
	case clause.Neq:
		return colIsBusinessID(v.Column)
	case clause.IN:
		return colIsBusinessID(v.Column)
	case clause.AndConditions:
		return anyHasBusinessID(v.Exprs)
	case clause.OrConditions:
		return anyHasBusinessID(v.Exprs)
	case clause.Expr:
		return strings.Contains(strings.ToLower(v.SQL), "business_id")
	}
	return false
}

func anyHasBusinessID(exprs []clause.Expression) bool {
	for _, x := range exprs {
		if exprHasBusinessID(x) {
			return true
		}
	}
	return false
}

func colIsBusinessID(col any) bool {
	switch c := col.(type) {
	case string:
		return strings.EqualFold(c, "business_id")
	case clause.Column:
		return strings.EqualFold(c.Name, "business_id")
	}
	return false
}
