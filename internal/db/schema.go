package db

// SchemaSQL defines every sitekb table. Timestamps are Unix milliseconds.
const SchemaSQL = `
    -- ==========================================================================
    -- DOCUMENTS (page chunks, one tenant and collection each)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS kb_document SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS document_id ON kb_document TYPE string;
    DEFINE FIELD IF NOT EXISTS tenant_id ON kb_document TYPE string;
    DEFINE FIELD IF NOT EXISTS collection_id ON kb_document TYPE string;
    DEFINE FIELD IF NOT EXISTS url ON kb_document TYPE string;
    DEFINE FIELD IF NOT EXISTS title ON kb_document TYPE string;
    DEFINE FIELD IF NOT EXISTS content ON kb_document TYPE string;
    DEFINE FIELD IF NOT EXISTS type ON kb_document TYPE string;
    DEFINE FIELD IF NOT EXISTS chunk_index ON kb_document TYPE int;
    DEFINE FIELD IF NOT EXISTS total_chunks ON kb_document TYPE int;
    DEFINE FIELD IF NOT EXISTS metadata ON kb_document TYPE option<object> FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS created_at ON kb_document TYPE int;
    DEFINE FIELD IF NOT EXISTS updated_at ON kb_document TYPE int;

    DEFINE INDEX IF NOT EXISTS kb_document_id ON kb_document FIELDS document_id UNIQUE;
    DEFINE INDEX IF NOT EXISTS kb_document_collection ON kb_document FIELDS tenant_id, collection_id;
    DEFINE INDEX IF NOT EXISTS kb_document_updated ON kb_document FIELDS tenant_id, updated_at;

    -- ==========================================================================
    -- VECTORS (scoped by tenant namespace)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS kb_vector SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS namespace ON kb_vector TYPE string;
    DEFINE FIELD IF NOT EXISTS document_id ON kb_vector TYPE string;
    DEFINE FIELD IF NOT EXISTS tenant_id ON kb_vector TYPE string;
    DEFINE FIELD IF NOT EXISTS collection_id ON kb_vector TYPE string;
    DEFINE FIELD IF NOT EXISTS model ON kb_vector TYPE string;
    DEFINE FIELD IF NOT EXISTS dim ON kb_vector TYPE int;
    DEFINE FIELD IF NOT EXISTS embedding ON kb_vector TYPE array<float>;
    DEFINE FIELD IF NOT EXISTS updated_at ON kb_vector TYPE int;

    DEFINE INDEX IF NOT EXISTS kb_vector_namespace ON kb_vector FIELDS namespace, collection_id;

    -- ==========================================================================
    -- INDEXING JOBS
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS indexing_job SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS job_id ON indexing_job TYPE string;
    DEFINE FIELD IF NOT EXISTS tenant_id ON indexing_job TYPE string;
    DEFINE FIELD IF NOT EXISTS collection_id ON indexing_job TYPE string;
    DEFINE FIELD IF NOT EXISTS domain ON indexing_job TYPE string;
    DEFINE FIELD IF NOT EXISTS status ON indexing_job TYPE string;
    DEFINE FIELD IF NOT EXISTS pages_found ON indexing_job TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS pages_processed ON indexing_job TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS pages_failed ON indexing_job TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS pages_dropped ON indexing_job TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS documents_indexed ON indexing_job TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS documents_failed ON indexing_job TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS options ON indexing_job TYPE string;
    DEFINE FIELD IF NOT EXISTS owner ON indexing_job TYPE string;
    DEFINE FIELD IF NOT EXISTS cancel_requested ON indexing_job TYPE bool DEFAULT false;
    DEFINE FIELD IF NOT EXISTS error ON indexing_job TYPE string;
    DEFINE FIELD IF NOT EXISTS started_at ON indexing_job TYPE int;
    DEFINE FIELD IF NOT EXISTS updated_at ON indexing_job TYPE int;
    DEFINE FIELD IF NOT EXISTS completed_at ON indexing_job TYPE option<int>;

    DEFINE INDEX IF NOT EXISTS indexing_job_key ON indexing_job FIELDS tenant_id, collection_id;
    DEFINE INDEX IF NOT EXISTS indexing_job_status ON indexing_job FIELDS status;

    -- ==========================================================================
    -- JOB LEASES (record id is the tenant/collection key)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS job_lease SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS owner ON job_lease TYPE string;
    DEFINE FIELD IF NOT EXISTS expires_at ON job_lease TYPE int;

    -- ==========================================================================
    -- EMBEDDING CACHE (record id is the cache key)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS embedding_cache SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS embedding ON embedding_cache TYPE array<float>;
    DEFINE FIELD IF NOT EXISTS expires_at ON embedding_cache TYPE int;
`
