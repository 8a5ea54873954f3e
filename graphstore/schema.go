package graphstore

// SchemaSQL defines the graph tables. Applied once on startup; every statement
// is idempotent.
const SchemaSQL = `
    DEFINE TABLE IF NOT EXISTS node SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS kind ON node TYPE string;
    DEFINE FIELD IF NOT EXISTS name ON node TYPE string;
    DEFINE FIELD IF NOT EXISTS attributes ON node TYPE option<object> FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS confidence ON node TYPE float DEFAULT 1.0;
    DEFINE FIELD IF NOT EXISTS source_ref ON node TYPE string;
    DEFINE FIELD IF NOT EXISTS created ON node TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS updated ON node TYPE datetime VALUE time::now();

    DEFINE INDEX IF NOT EXISTS node_kind ON node FIELDS kind;
    DEFINE INDEX IF NOT EXISTS node_source ON node FIELDS source_ref;

    DEFINE TABLE IF NOT EXISTS relates TYPE RELATION IN node OUT node SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS predicate ON relates TYPE string;
    DEFINE FIELD IF NOT EXISTS confidence ON relates TYPE float DEFAULT 1.0;
    DEFINE FIELD IF NOT EXISTS source_ref ON relates TYPE string;
    DEFINE FIELD IF NOT EXISTS created ON relates TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS unique_key ON relates VALUE <string>string::concat(<string>in, '|', predicate, '|', <string>out);
    DEFINE INDEX IF NOT EXISTS unique_relation ON relates FIELDS unique_key UNIQUE;
`
