package report

import (
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
)

var dialect = goqu.Dialect("postgres")

var openStatuses = []interface{}{"borrowed", "overdue"}

func countLoans(where ...exp.Expression) *goqu.SelectDataset {
	return dialect.From("loans").Select(goqu.COUNT("*")).Where(where...).Prepared(true)
}

func countRows(table string, where ...exp.Expression) *goqu.SelectDataset {
	return dialect.From(table).Select(goqu.COUNT("*")).Where(where...).Prepared(true)
}

// membersJoinedBetween counts members registered inside [from, to).
func membersJoinedBetween(from, to time.Time) *goqu.SelectDataset {
	return countRows("members", goqu.C("created_at").Gte(from), goqu.C("created_at").Lt(to))
}

func sumOpenFines() *goqu.SelectDataset {
	return dialect.From("loans").
		Select(goqu.COALESCE(goqu.SUM("fine_amount"), 0)).
		Where(goqu.C("status").In(openStatuses...)).
		Prepared(true)
}

func sumFinesReturnedBetween(from, to time.Time) *goqu.SelectDataset {
	return dialect.From("loans").
		Select(goqu.COALESCE(goqu.SUM("fine_amount"), 0)).
		Where(goqu.C("return_date").Gte(from), goqu.C("return_date").Lt(to)).
		Prepared(true)
}

// overdueExpr matches loans that are overdue now, swept or not.
func overdueExpr(now time.Time) exp.Expression {
	return goqu.Or(
		goqu.C("status").Eq("overdue"),
		goqu.And(goqu.C("status").Eq("borrowed"), goqu.C("due_date").Lt(now)),
	)
}

func popularBooks(from, to time.Time, limit uint) *goqu.SelectDataset {
	ds := dialect.From(goqu.T("loans").As("l")).
		Join(goqu.T("book_copies").As("c"), goqu.On(goqu.I("c.id").Eq(goqu.I("l.book_copy_id")))).
		Join(goqu.T("books").As("b"), goqu.On(goqu.I("b.id").Eq(goqu.I("c.book_id")))).
		Select(goqu.I("b.title"), goqu.I("b.isbn"), goqu.COUNT(goqu.I("l.id")).As("loans")).
		GroupBy(goqu.I("b.id"), goqu.I("b.title"), goqu.I("b.isbn")).
		Order(goqu.I("loans").Desc(), goqu.I("b.title").Asc()).
		Limit(limit).
		Prepared(true)
	if !from.IsZero() {
		ds = ds.Where(goqu.I("l.borrowed_date").Gte(from))
	}
	if !to.IsZero() {
		ds = ds.Where(goqu.I("l.borrowed_date").Lt(to))
	}
	return ds
}

func activeMembers(from, to time.Time, limit uint) *goqu.SelectDataset {
	return dialect.From(goqu.T("loans").As("l")).
		Join(goqu.T("members").As("m"), goqu.On(goqu.I("m.id").Eq(goqu.I("l.member_id")))).
		Select(goqu.I("m.code"), goqu.I("m.name"), goqu.COUNT(goqu.I("l.id")).As("loans")).
		Where(goqu.I("l.borrowed_date").Gte(from), goqu.I("l.borrowed_date").Lt(to)).
		GroupBy(goqu.I("m.id"), goqu.I("m.code"), goqu.I("m.name")).
		Order(goqu.I("loans").Desc(), goqu.I("m.name").Asc()).
		Limit(limit).
		Prepared(true)
}

func loansByCategory() *goqu.SelectDataset {
	return dialect.From(goqu.T("loans").As("l")).
		Join(goqu.T("book_copies").As("c"), goqu.On(goqu.I("c.id").Eq(goqu.I("l.book_copy_id")))).
		Join(goqu.T("books").As("b"), goqu.On(goqu.I("b.id").Eq(goqu.I("c.book_id")))).
		Select(goqu.COALESCE(goqu.I("b.category"), "uncategorised").As("category"), goqu.COUNT(goqu.I("l.id")).As("loans")).
		GroupBy(goqu.I("category")).
		Order(goqu.I("loans").Desc()).
		Prepared(true)
}

// timestampsBetween selects a timestamp column of loans inside [from, to).
func timestampsBetween(column string, from, to time.Time) *goqu.SelectDataset {
	return dialect.From("loans").
		Select(goqu.C(column).As("at")).
		Where(goqu.C(column).Gte(from), goqu.C(column).Lt(to)).
		Prepared(true)
}
