package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateTableInfo(t *testing.T) {
	ddl, err := CreateTable(TableSpec{
		Database: "autrik",
		Name:     "flight_info",
		Schema: Schema{Columns: []Column{
			{Name: "primary_key", Type: TypeString},
			{Name: "flight_id", Type: TypeString},
			{Name: "timestamp", Type: TypeDateTime64},
			{Name: "osd_height", Type: TypeFloat64, Nullable: true},
		}},
		OrderBy:     []string{"flight_id", "timestamp"},
		PartitionBy: "flight_id",
	})
	require.NoError(t, err)

	assert.Equal(t, "CREATE TABLE IF NOT EXISTS `autrik`.`flight_info` (\n"+
		"\t`primary_key` String,\n"+
		"\t`flight_id` String,\n"+
		"\t`timestamp` DateTime64(3),\n"+
		"\t`osd_height` Nullable(Float64)\n"+
		")\nENGINE = MergeTree()\n"+
		"PARTITION BY `flight_id`\n"+
		"ORDER BY (`flight_id`, `timestamp`)", ddl)
}

func TestCreateTableSummary(t *testing.T) {
	ddl, err := CreateTable(TableSpec{
		Database: "autrik",
		Name:     "flight_summary",
		Schema:   Schema{Columns: []Column{{Name: "flight_id", Type: TypeString}}},
		OrderBy:  []string{"flight_id"},
	})
	require.NoError(t, err)
	assert.Contains(t, ddl, "ORDER BY `flight_id`")
	assert.NotContains(t, ddl, "PARTITION BY")
}

func TestCreateTableRejectsBadKeys(t *testing.T) {
	base := Schema{Columns: []Column{
		{Name: "flight_id", Type: TypeString},
		{Name: "maybe", Type: TypeString, Nullable: true},
	}}

	_, err := CreateTable(TableSpec{Name: "t", Schema: base, OrderBy: []string{"missing"}})
	assert.Error(t, err)

	_, err = CreateTable(TableSpec{Name: "t", Schema: base, OrderBy: []string{"maybe"}})
	assert.Error(t, err)

	_, err = CreateTable(TableSpec{Name: "t", Schema: Schema{}, OrderBy: []string{"flight_id"}})
	assert.Error(t, err)
}

func TestQuoteIdentifier(t *testing.T) {
	assert.Equal(t, "`plain`", QuoteIdentifier("plain"))
	assert.Equal(t, "`we\\`ird`", QuoteIdentifier("we`ird"))
	assert.Equal(t, "`db`.`t`", QualifiedName("db", "t"))
	assert.Equal(t, "CREATE DATABASE IF NOT EXISTS `autrik`", CreateDatabase("autrik"))
}
